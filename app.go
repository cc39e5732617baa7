package gcalnotify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Songmu/flextime"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/fujiwara/ridge"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/najeira/randstr"
	"github.com/olekukonko/tablewriter"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// App coordinates the watch-channel lifecycle, the webhook dispatcher and
// the delivery of classified events.
type App struct {
	storage             Storage
	sink                EventSink
	calendarSvc         *calendar.Service
	router              *mux.Router
	filter              *EventFilter
	classifier          *Classifier
	callbacks           EventCallbacks
	locks               *keyedMutex
	calendars           []*CalendarConfig
	autoDetect          bool
	expiration          time.Duration
	rotateRemaining     time.Duration
	pageSize            int64
	webhookAddress      string
	maintenanceSchedule string
}

func isLambda() bool {
	if strings.HasPrefix(os.Getenv("AWS_EXECUTION_ENV"), "AWS_Lambda") || os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		return true
	}
	return false
}

func loadAWSConfig() (aws.Config, error) {
	awsOpts := make([]func(*config.LoadOptions) error, 0)
	if region := os.Getenv("AWS_DEFAULT_REGION"); region != "" {
		awsOpts = append(awsOpts, config.WithRegion(region))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), awsOpts...)
	if err != nil {
		return *aws.NewConfig(), err
	}
	return awsCfg, nil
}

// New creates an App from a restricted Config, a channel store and an event
// sink. gcpOpts are passed to the Calendar API client, which lets tests point
// the app at a stub endpoint.
func New(cfg *Config, storage Storage, sink EventSink, gcpOpts ...option.ClientOption) (*App, error) {
	ctx := context.Background()
	gcpOpts = append(
		gcpOpts,
		option.WithScopes(
			calendar.CalendarReadonlyScope,
			calendar.CalendarEventsReadonlyScope,
		),
	)
	calendarSvc, err := calendar.NewService(ctx, gcpOpts...)
	if err != nil {
		return nil, fmt.Errorf("create Google Calendar Service: %w", err)
	}

	var filter *EventFilter
	if len(cfg.Rules) > 0 {
		env, err := NewCELEnv()
		if err != nil {
			return nil, fmt.Errorf("create CEL environment: %w", err)
		}
		filter, err = NewEventFilter(env, cfg.Rules)
		if err != nil {
			return nil, fmt.Errorf("compile filter rules: %w", err)
		}
	}

	rotateRemaining := time.Duration(0.2 * float64(cfg.Expiration))
	slog.DebugContext(ctx, "channel rotation window", "expiration", cfg.Expiration, "rotate_remaining", rotateRemaining)

	autoDetect := cfg.CalendarsAutoDetect != nil && *cfg.CalendarsAutoDetect
	app := &App{
		storage:             storage,
		sink:                sink,
		calendarSvc:         calendarSvc,
		router:              mux.NewRouter(),
		filter:              filter,
		classifier:          NewClassifier(),
		locks:               newKeyedMutex(),
		calendars:           cfg.Calendars,
		autoDetect:          autoDetect,
		expiration:          cfg.Expiration,
		rotateRemaining:     rotateRemaining,
		pageSize:            cfg.PageSize,
		webhookAddress:      cfg.Webhook,
		maintenanceSchedule: cfg.MaintenanceSchedule,
	}
	app.setupRoute()
	return app, nil
}

// SetEventCallbacks registers the user callback set invoked once per
// classified event. Must be called before the app starts serving.
func (app *App) SetEventCallbacks(cb EventCallbacks) {
	app.callbacks = cb
}

// Close releases resources held by the storage and the sink.
func (app *App) Close() error {
	var errs []error
	if closer, ok := app.storage.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	if closer, ok := app.sink.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
	}
	return errors.Join(errs...)
}

// watchTargets resolves the calendar collections that should have a channel.
// With auto-detection enabled the calendar list is walked through the same
// stream engine the dispatcher uses.
func (app *App) watchTargets(ctx context.Context) ([]string, error) {
	targets := make([]string, 0, len(app.calendars))
	seen := make(map[string]struct{}, len(app.calendars))
	for _, c := range app.calendars {
		if _, ok := seen[c.CalendarID]; ok {
			continue
		}
		seen[c.CalendarID] = struct{}{}
		targets = append(targets, c.CalendarID)
	}
	if !app.autoDetect {
		return targets, nil
	}
	stream := app.CalendarStream(NoCursor())
	cals, err := stream.Drain(ctx)
	if err != nil {
		return nil, fmt.Errorf("detect calendars: %w", err)
	}
	for _, c := range cals {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		targets = append(targets, c.ID)
		slog.InfoContext(ctx, "detected calendar", "calendar_id", c.ID, "summary", c.Summary)
	}
	return targets, nil
}

func (app *App) maintenanceChannels(ctx context.Context, createOnly bool) error {
	if app.webhookAddress == "" {
		return errors.New("webhook address is empty, plz check configure")
	}
	targets, err := app.watchTargets(ctx)
	if err != nil {
		return err
	}
	itemsCh, err := app.storage.FindAllChannels(ctx)
	if err != nil {
		return fmt.Errorf("find all channels: %w", err)
	}
	exists := make(map[string]bool, len(targets))
	for _, calendarID := range targets {
		exists[calendarID] = false
	}
	channelsByCalendarID := make(map[string][]*ChannelItem, len(targets))
	for items := range itemsCh {
		for _, item := range items {
			slog.InfoContext(ctx,
				"find channel",
				"channel_id", item.ChannelID,
				"calendar_id", item.CalendarID,
				"expiration", item.Expiration.Format(time.RFC3339),
				"created_at", item.CreatedAt.Format(time.RFC3339),
			)
			exists[item.CalendarID] = true
			channelsByCalendarID[item.CalendarID] = append(channelsByCalendarID[item.CalendarID], item)
		}
	}
	egForNew, egCtxForNew := errgroup.WithContext(ctx)
	for calendarID, ok := range exists {
		if ok {
			continue
		}
		egForNew.Go(func() error {
			slog.InfoContext(egCtxForNew, "channel not exist, try create channel", "calendar_id", calendarID)
			if err := app.CreateChannel(egCtxForNew, calendarID); err != nil {
				slog.ErrorContext(egCtxForNew, "failed CreateChannel", "calendar_id", calendarID)
				return fmt.Errorf("CreateChannel:%w", err)
			}
			return nil
		})
	}
	if err := egForNew.Wait(); err != nil {
		return fmt.Errorf("NewChannel:%w", err)
	}
	if createOnly {
		return nil
	}
	egForRotate, egCtxForRotate := errgroup.WithContext(ctx)
	for calendarID, channels := range channelsByCalendarID {
		noRotateExists := false
		rotationTargets := make([]*ChannelItem, 0)
		for _, channel := range channels {
			if channel.IsAboutToExpired(egCtxForRotate, app.rotateRemaining) {
				rotationTargets = append(rotationTargets, channel)
			} else {
				noRotateExists = true
			}
		}
		if noRotateExists && len(rotationTargets) == 0 {
			continue
		}
		egForRotate.Go(func() error {
			if len(rotationTargets) == 0 {
				return nil
			}
			slog.InfoContext(egCtxForRotate, "try rotation", "calendar_id", calendarID)
			if err := app.RotateChannel(egCtxForRotate, rotationTargets[0]); err != nil {
				return err
			}
			for _, channel := range rotationTargets[1:] {
				if err := app.DeleteChannel(egCtxForRotate, channel); err != nil {
					slog.WarnContext(egCtxForRotate, "cleanup failed", "calendar_id", calendarID, "channel_id", channel.ChannelID, "resource_id", channel.ResourceID)
				}
			}
			return nil
		})
	}
	if err := egForRotate.Wait(); err != nil {
		return fmt.Errorf("RotateChannel:%w", err)
	}
	return nil
}

// CreateChannel registers a new push-notification channel for one calendar.
func (app *App) CreateChannel(ctx context.Context, calendarID string) error {
	item := &ChannelItem{
		CalendarID: calendarID,
	}
	return app.createChannel(ctx, item)
}

func (app *App) createChannel(ctx context.Context, item *ChannelItem) error {
	uuidObj, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("create new uuid v4: %w", err)
	}
	now := flextime.Now()
	item.ChannelID = uuidObj.String()
	item.Token = randstr.CryptoString(32)
	item.Expiration = now.Add(app.expiration)
	item.CreatedAt = now
	item.UpdatedAt = now

	watchCall := app.calendarSvc.Events.Watch(item.CalendarID, &calendar.Channel{
		Id:         item.ChannelID,
		Token:      item.Token,
		Address:    app.webhookAddress,
		Expiration: item.Expiration.UnixMilli(),
		Type:       "web_hook",
		Params: map[string]string{
			"ttl": strconv.FormatInt(int64(app.expiration/time.Second), 10),
		},
	})
	resp, err := watchCall.Context(ctx).Do()
	if err != nil {
		slog.DebugContext(ctx, "calendar API events:watch failed", "calendar_id", item.CalendarID, "error", err)
		return fmt.Errorf("calendar API events:watch:%w", err)
	}
	item.ResourceID = resp.ResourceId
	if resp.Expiration > 0 {
		item.Expiration = time.UnixMilli(resp.Expiration)
	}
	slog.InfoContext(ctx, "create channel",
		"channel_id", resp.Id,
		"resource_id", resp.ResourceId,
		"calendar_id", item.CalendarID,
		"resource_uri", resp.ResourceUri,
		"expiration", item.Expiration.Format(time.RFC3339),
	)
	if err := app.storage.SaveChannel(ctx, item); err != nil {
		return fmt.Errorf("save channel:%w", err)
	}
	return nil
}

// DeleteChannel stops the channel at the remote and removes it, with its
// sync state, from storage. Stopping a channel the remote no longer knows is
// a no-op success.
func (app *App) DeleteChannel(ctx context.Context, item *ChannelItem) error {
	slog.InfoContext(ctx, "delete channel",
		"channel_id", item.ChannelID,
		"resource_id", item.ResourceID,
		"calendar_id", item.CalendarID,
	)
	err := app.calendarSvc.Channels.Stop(&calendar.Channel{
		Id:         item.ChannelID,
		ResourceId: item.ResourceID,
		Token:      item.Token,
	}).Context(ctx).Do()
	if err != nil {
		var apiError *googleapi.Error
		if !errors.As(err, &apiError) {
			return fmt.Errorf("calendar API channels:stop:%w", err)
		}
		if apiError.Code != http.StatusNotFound {
			return fmt.Errorf("calendar API channels:stop:%w", apiError)
		}
		slog.WarnContext(ctx, "channel is already stopped, continue and try delete from storage",
			"channel_id", item.ChannelID,
			"resource_id", item.ResourceID,
			"calendar_id", item.CalendarID,
		)
	}
	if err := app.storage.DeleteChannel(ctx, item); err != nil {
		return fmt.Errorf("delete channel:%w", err)
	}
	return nil
}

// RotateChannel renews a channel ahead of its expiration. The remote API has
// no in-place extension, so renewal is a fresh subscription carrying the old
// sync token forward, followed by a stop of the old channel.
func (app *App) RotateChannel(ctx context.Context, item *ChannelItem) error {
	slog.InfoContext(ctx, "try rotate channel",
		"channel_id", item.ChannelID,
		"resource_id", item.ResourceID,
		"calendar_id", item.CalendarID,
	)
	newItem := *item
	if err := app.createChannel(ctx, &newItem); err != nil {
		slog.ErrorContext(ctx, "failed rotate channel",
			"channel_id", item.ChannelID,
			"resource_id", item.ResourceID,
			"calendar_id", item.CalendarID,
			"error", err,
		)
		return err
	}
	slog.InfoContext(ctx, "success rotate channel",
		"old_channel_id", item.ChannelID,
		"new_channel_id", newItem.ChannelID,
		"calendar_id", item.CalendarID,
	)
	if err := app.DeleteChannel(ctx, item); err != nil {
		slog.ErrorContext(ctx, "failed delete old channel",
			"channel_id", item.ChannelID,
			"resource_id", item.ResourceID,
			"calendar_id", item.CalendarID,
			"error", err,
		)
		return err
	}
	return nil
}

func (app *App) listChannels(ctx context.Context, w io.Writer) error {
	itemsCh, err := app.storage.FindAllChannels(ctx)
	if err != nil {
		return fmt.Errorf("find all channels: %w", err)
	}
	table := tablewriter.NewWriter(w)
	table.Header("Channel ID", "Calendar ID", "Resource ID", "Sync Token", "Expiration", "Created At", "Updated At")
	for items := range itemsCh {
		for _, item := range items {
			if err := table.Append([]string{
				item.ChannelID,
				item.CalendarID,
				item.ResourceID,
				coalesce(item.SyncToken, "-"),
				item.Expiration.Format(time.RFC3339),
				item.CreatedAt.Format(time.RFC3339),
				item.UpdatedAt.Format(time.RFC3339),
			}); err != nil {
				return err
			}
		}
	}
	return table.Render()
}

func (app *App) cleanupChannels(ctx context.Context) error {
	itemsCh, err := app.storage.FindAllChannels(ctx)
	if err != nil {
		return fmt.Errorf("find all channels: %w", err)
	}
	for items := range itemsCh {
		for _, item := range items {
			if err := app.DeleteChannel(ctx, item); err != nil {
				slog.WarnContext(ctx, "failed DeleteChannel", "channel_id", item.ChannelID, "resource_id", item.ResourceID, "calendar_id", item.CalendarID)
				continue
			}
			slog.InfoContext(ctx, "deleted channel",
				"channel_id", item.ChannelID,
				"calendar_id", item.CalendarID,
				"expiration", item.Expiration.Format(time.RFC3339),
			)
		}
	}
	return nil
}

func (app *App) syncChannels(ctx context.Context) error {
	itemsCh, err := app.storage.FindAllChannels(ctx)
	if err != nil {
		return fmt.Errorf("find all channels: %w", err)
	}
	for items := range itemsCh {
		for _, item := range items {
			unlock := app.locks.Lock(item.ChannelID)
			err := app.pullAndDispatch(ctx, item)
			unlock()
			if err != nil {
				slog.WarnContext(ctx, "failed sync channel",
					"channel_id", item.ChannelID,
					"resource_id", item.ResourceID,
					"calendar_id", item.CalendarID,
					"error", err,
				)
			}
		}
	}
	return nil
}

// ListOption contains options for the list command.
type ListOption struct {
	Output io.Writer `kong:"-"`
}

// ServeOption contains options for the serve command.
type ServeOption struct {
	Port int `help:"webhook httpd port" default:"25254" env:"GCALNOTIFY_PORT"`
}

// SyncOption contains options for the sync command.
type SyncOption struct {
}

// CleanupOption contains options for the cleanup command.
type CleanupOption struct {
}

// MaintainOption contains options for the maintain command.
type MaintainOption struct {
	CreateOnly bool `help:"only create missing channels, skip rotation" default:"false"`
}

// List writes the stored channels as a table.
func (app *App) List(ctx context.Context, opt ListOption) error {
	w := opt.Output
	if w == nil {
		w = os.Stdout
	}
	return app.listChannels(ctx, w)
}

// Serve runs the webhook server, locally or on AWS Lambda. When a
// maintenance schedule is configured, channel maintenance runs in-process on
// that schedule so channels are renewed ahead of their deadlines.
func (app *App) Serve(ctx context.Context, opt ServeOption) error {
	if app.maintenanceSchedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(app.maintenanceSchedule, func() {
			if err := app.maintenanceChannels(context.Background(), false); err != nil {
				slog.Error("scheduled maintenance failed", "details", err)
			}
		}); err != nil {
			return fmt.Errorf("maintenance_schedule: %w", err)
		}
		c.Start()
		defer c.Stop()
		slog.InfoContext(ctx, "start maintenance schedule", "schedule", app.maintenanceSchedule)
	}
	ridge.RunWithContext(ctx, fmt.Sprintf(":%d", opt.Port), "/", app)
	return nil
}

// Cleanup stops and removes every stored channel.
func (app *App) Cleanup(ctx context.Context, _ CleanupOption) error {
	return app.cleanupChannels(ctx)
}

// Sync runs channel maintenance and forces one incremental pull for every
// stored channel.
func (app *App) Sync(ctx context.Context, _ SyncOption) error {
	if err := app.maintenanceChannels(ctx, false); err != nil {
		return err
	}
	return app.syncChannels(ctx)
}

// Maintain creates missing channels and rotates those close to expiration.
// On AWS Lambda it installs itself as the function handler so it can be
// invoked from a scheduled rule.
func (app *App) Maintain(ctx context.Context, opt MaintainOption) error {
	if isLambda() {
		slog.InfoContext(ctx, "run on lambda")
		lambda.StartWithOptions(func(ctx context.Context) (interface{}, error) {
			if err := app.maintenanceChannels(ctx, opt.CreateOnly); err != nil {
				slog.ErrorContext(ctx, "failed maintenance channels", "error", err)
				return nil, err
			}
			return map[string]interface{}{
				"Status": 200,
			}, nil
		}, lambda.WithContext(ctx))
		return nil
	}
	return app.maintenanceChannels(ctx, opt.CreateOnly)
}
