package task

import (
	"fmt"
	"strings"
)

// TriggerKind is the tagged variant of a task trigger. A trigger resolves to
// exactly one kind; a dormant cron schedule stays KindCron with Disabled set
// rather than being dropped from config, so both paths remain testable.
type TriggerKind int

const (
	// KindManual tasks run only on explicit dispatch.
	KindManual TriggerKind = iota
	// KindCron tasks run when their cron expression fires (and may also be
	// dispatched manually).
	KindCron
)

func (k TriggerKind) String() string {
	switch k {
	case KindManual:
		return "manual"
	case KindCron:
		return "cron"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Trigger describes when a task runs.
//
// Invariant: Cron is non-empty iff Kind == KindCron. Disabled only applies to
// cron triggers; a disabled cron trigger is kept and reported but never
// registered with the scheduler.
type Trigger struct {
	Kind     TriggerKind
	Cron     string
	Disabled bool
}

// Manual returns the manual-dispatch trigger.
func Manual() Trigger { return Trigger{Kind: KindManual} }

// Cron returns a cron trigger for the given expression.
func Cron(expr string) Trigger { return Trigger{Kind: KindCron, Cron: expr} }

// Active reports whether the trigger can fire on a schedule.
func (t Trigger) Active() bool { return t.Kind == KindCron && !t.Disabled }

func (t Trigger) Validate() error {
	switch t.Kind {
	case KindManual:
		if strings.TrimSpace(t.Cron) != "" {
			return fmt.Errorf("manual trigger must not carry a cron expression")
		}
		if t.Disabled {
			return fmt.Errorf("manual trigger cannot be disabled")
		}
		return nil
	case KindCron:
		if strings.TrimSpace(t.Cron) == "" {
			return fmt.Errorf("cron trigger requires an expression")
		}
		return nil
	default:
		return fmt.Errorf("unknown trigger kind %d", int(t.Kind))
	}
}

func (t Trigger) String() string {
	switch {
	case t.Kind == KindManual:
		return "manual"
	case t.Disabled:
		return fmt.Sprintf("cron(%s, disabled)", t.Cron)
	default:
		return fmt.Sprintf("cron(%s)", t.Cron)
	}
}
