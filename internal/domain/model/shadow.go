package model

// ShadowTrigger names an event on the primary that a shadow may react to.
// Treated as an open set; unknown triggers round-trip untouched.
type ShadowTrigger string

const (
	TriggerExplicitAsk ShadowTrigger = "EXPLICIT_ASK"
	TriggerAllMessages ShadowTrigger = "ALL_MESSAGES"
)

// ShadowDirection tags which side of the primary's traffic a copy came from.
type ShadowDirection string

const (
	ShadowOutgoing ShadowDirection = "outgoing"
	ShadowIncoming ShadowDirection = "incoming"
)

// ShadowConfig binds one shadow agent to one primary.
type ShadowConfig struct {
	ShadowAgent     string
	PrimaryAgent    string
	SpeakOn         map[ShadowTrigger]struct{}
	ReceiveIncoming bool
	ReceiveOutgoing bool
}

// ShadowOptions is the caller-facing knob set for BindShadow.
// Zero value yields the defaults: speak on EXPLICIT_ASK, receive both ways.
type ShadowOptions struct {
	SpeakOn         []ShadowTrigger
	ReceiveIncoming *bool
	ReceiveOutgoing *bool
}

// NewShadowConfig applies defaults over opts.
func NewShadowConfig(shadow, primary string, opts ShadowOptions) *ShadowConfig {
	cfg := &ShadowConfig{
		ShadowAgent:     shadow,
		PrimaryAgent:    primary,
		SpeakOn:         map[ShadowTrigger]struct{}{TriggerExplicitAsk: {}},
		ReceiveIncoming: true,
		ReceiveOutgoing: true,
	}
	if len(opts.SpeakOn) > 0 {
		cfg.SpeakOn = make(map[ShadowTrigger]struct{}, len(opts.SpeakOn))
		for _, t := range opts.SpeakOn {
			cfg.SpeakOn[t] = struct{}{}
		}
	}
	if opts.ReceiveIncoming != nil {
		cfg.ReceiveIncoming = *opts.ReceiveIncoming
	}
	if opts.ReceiveOutgoing != nil {
		cfg.ReceiveOutgoing = *opts.ReceiveOutgoing
	}
	return cfg
}

// SpeaksOn reports whether the shadow reacts to the trigger, honouring the
// ALL_MESSAGES wildcard.
func (c *ShadowConfig) SpeaksOn(t ShadowTrigger) bool {
	if _, ok := c.SpeakOn[TriggerAllMessages]; ok {
		return true
	}
	_, ok := c.SpeakOn[t]
	return ok
}
