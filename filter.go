package gcalnotify

import (
	"fmt"
	"os"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
	"github.com/mashiike/gcalnotify/pkg/gcalevent"
)

// CELEnv provides a CEL environment configured for evaluating expressions
// against gcalevent.Detail.
type CELEnv struct {
	env *cel.Env
}

// NewCELEnv creates a new CEL environment with gcalevent types registered.
// Field names in CEL expressions use lowerCamelCase (matching JSON tags),
// e.g., event.status, event.organizer.email, calendarId.
func NewCELEnv() (*CELEnv, error) {
	env, err := cel.NewEnv(
		ext.NativeTypes(
			ext.ParseStructTags(true),
			reflect.TypeOf(&gcalevent.Detail{}),
			reflect.TypeOf(&gcalevent.CalendarEvent{}),
			reflect.TypeOf(&gcalevent.EventTime{}),
			reflect.TypeOf(&gcalevent.User{}),
		),
		cel.Variable("detail", cel.ObjectType("gcalevent.Detail")),
		cel.Variable("subject", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("calendarId", cel.StringType),
		cel.Variable("event", cel.ObjectType("gcalevent.CalendarEvent")),
		ext.Strings(),
		cel.Function("env",
			cel.Overload("env_string",
				[]*cel.Type{cel.StringType},
				cel.StringType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					name, ok := arg.Value().(string)
					if !ok {
						return types.NewErr("env() requires a string argument")
					}
					return types.String(os.Getenv(name))
				}),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CELEnv{env: env}, nil
}

// CompiledExpression represents a compiled CEL expression.
type CompiledExpression struct {
	program cel.Program
}

// Compile compiles a CEL expression string. The expression must return bool.
func (e *CELEnv) Compile(expr string) (*CompiledExpression, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("CEL expression must return bool, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return &CompiledExpression{program: prg}, nil
}

// Eval evaluates the compiled expression against the given detail.
func (c *CompiledExpression) Eval(detail *gcalevent.Detail) (bool, error) {
	if detail == nil {
		return false, nil
	}
	event := detail.Event
	if event == nil {
		event = &gcalevent.CalendarEvent{}
	}
	vars := map[string]any{
		"detail":     detail,
		"subject":    detail.Subject,
		"kind":       detail.Kind,
		"calendarId": detail.CalendarID,
		"event":      event,
	}
	result, _, err := c.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}
	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression returned non-bool value: %T", result.Value())
	}
	return b, nil
}

// FilterRule decides whether a classified event is forwarded. When is a CEL
// expression evaluated against the event detail; a matching rule with Skip
// set suppresses delivery, otherwise a match forwards the event. With no
// rules configured every event is forwarded.
type FilterRule struct {
	When string `yaml:"when"`
	Skip bool   `yaml:"skip,omitempty"`

	compiled *CompiledExpression
}

// Bind compiles the rule's expression against env.
func (r *FilterRule) Bind(env *CELEnv) error {
	if r.When == "" {
		return fmt.Errorf("when is required")
	}
	compiled, err := env.Compile(r.When)
	if err != nil {
		return err
	}
	r.compiled = compiled
	return nil
}

// EventFilter applies an ordered rule list to event details.
type EventFilter struct {
	rules []*FilterRule
}

// NewEventFilter compiles rules into a filter. A nil or empty rule list
// forwards everything.
func NewEventFilter(env *CELEnv, rules []*FilterRule) (*EventFilter, error) {
	for i, rule := range rules {
		if err := rule.Bind(env); err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
	}
	return &EventFilter{rules: rules}, nil
}

// Match reports whether the detail should be forwarded. Rules are evaluated
// in order; the first matching rule wins.
func (f *EventFilter) Match(detail *gcalevent.Detail) (bool, error) {
	if f == nil || len(f.rules) == 0 {
		return true, nil
	}
	for _, rule := range f.rules {
		ok, err := rule.compiled.Eval(detail)
		if err != nil {
			return false, err
		}
		if ok {
			return !rule.Skip, nil
		}
	}
	return false, nil
}
