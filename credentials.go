package gcalnotify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"google.golang.org/api/option"
)

// CredentialsOption configures where the Google service-account credentials
// are read from. With no parameter name configured Application Default
// Credentials are used as-is.
type CredentialsOption struct {
	SSMParameterName string `help:"SSM parameter name holding Google credentials JSON" env:"GCALNOTIFY_CREDENTIALS_SSM_PARAMETER_NAME"`
	Base64Encoding   bool   `help:"SSM parameter value is base64 encoded" default:"false" env:"GCALNOTIFY_CREDENTIALS_BASE64" negatable:""`
}

// CredentialsBackend resolves Google API client options carrying credentials.
type CredentialsBackend interface {
	WithCredentialsClientOption(context.Context, []option.ClientOption) ([]option.ClientOption, error)
}

func NewCredentialsBackend(_ context.Context, cfg CredentialsOption) (CredentialsBackend, error) {
	if cfg.SSMParameterName == "" {
		return &NoneCredentialsBackend{}, nil
	}
	awsCfg, err := loadAWSConfig()
	if err != nil {
		return nil, err
	}
	return &SSMParameterStoreCredentialsBackend{
		client:         ssm.NewFromConfig(awsCfg),
		name:           cfg.SSMParameterName,
		base64Encoding: cfg.Base64Encoding,
	}, nil
}

type NoneCredentialsBackend struct{}

func (b *NoneCredentialsBackend) WithCredentialsClientOption(_ context.Context, orig []option.ClientOption) ([]option.ClientOption, error) {
	return orig, nil
}

type SSMParameterStoreCredentialsBackend struct {
	client         *ssm.Client
	name           string
	base64Encoding bool
}

func (cb *SSMParameterStoreCredentialsBackend) WithCredentialsClientOption(ctx context.Context, orig []option.ClientOption) ([]option.ClientOption, error) {
	slog.DebugContext(ctx, "try get parameter", "name", cb.name)
	output, err := cb.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(cb.name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return orig, fmt.Errorf("get parameter %s: %w", cb.name, err)
	}
	if output.Parameter == nil || output.Parameter.Value == nil {
		return orig, fmt.Errorf("get parameter %s: empty value", cb.name)
	}
	var creds []byte
	if cb.base64Encoding {
		decoder := base64.NewDecoder(base64.RawStdEncoding, strings.NewReader(*output.Parameter.Value))
		creds, err = io.ReadAll(decoder)
		if err != nil {
			return orig, fmt.Errorf("credentials base64 decode: %w", err)
		}
	}
	if creds == nil {
		creds = []byte(*output.Parameter.Value)
	}
	var temp interface{}
	if err := json.Unmarshal(creds, &temp); err != nil {
		return orig, fmt.Errorf("SSM Parameter `%s` loaded value is not json: %s", cb.name, err.Error())
	}
	return append(orig, option.WithCredentialsJSON(creds)), nil
}
