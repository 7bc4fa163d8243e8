// Package analysis runs heuristic analyzers over captured diag frames and
// persists their findings as newline-delimited JSON next to each capture.
package analysis

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"EnigmaNetz/Enigma-Cell-Sensor/config"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/diag"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/logger"
)

// EventType is the severity of a finding.
type EventType int

const (
	Informational EventType = iota
	Low
	Medium
	High
)

var eventTypeNames = []string{"informational", "low", "medium", "high"}

func (t EventType) String() string {
	if t < Informational || t > High {
		return fmt.Sprintf("event_type(%d)", int(t))
	}
	return eventTypeNames[t]
}

// ParseEventType accepts the lower-case names. An empty string is Medium.
func ParseEventType(s string) (EventType, error) {
	if s == "" {
		return Medium, nil
	}
	for i, name := range eventTypeNames {
		if strings.EqualFold(s, name) {
			return EventType(i), nil
		}
	}
	return Informational, fmt.Errorf("unknown event type %q", s)
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *EventType) UnmarshalText(b []byte) error {
	parsed, err := ParseEventType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Event is a single analyzer finding.
type Event struct {
	Type    EventType
	Message string
}

// Warning reports whether the event should raise the operator indicator.
func (e Event) Warning() bool {
	return e.Type != Informational
}

// Analyzer inspects frames. Implementations are called from the capture
// loop and must not block.
type Analyzer interface {
	Name() string
	Description() string
	Analyze(frame diag.Frame) []Event
}

// SignatureAnalyzer reports every diag message containing a byte pattern.
type SignatureAnalyzer struct {
	name        string
	description string
	pattern     []byte
	severity    EventType
}

// NewSignatureAnalyzer builds an analyzer from its configuration.
func NewSignatureAnalyzer(cfg config.SignatureConfig) (*SignatureAnalyzer, error) {
	pattern, err := hex.DecodeString(cfg.Pattern)
	if err != nil {
		return nil, fmt.Errorf("signature %s: invalid pattern: %w", cfg.Name, err)
	}
	if len(pattern) == 0 {
		return nil, fmt.Errorf("signature %s: empty pattern", cfg.Name)
	}
	severity, err := ParseEventType(cfg.Severity)
	if err != nil {
		return nil, fmt.Errorf("signature %s: %w", cfg.Name, err)
	}
	return &SignatureAnalyzer{
		name:        cfg.Name,
		description: cfg.Description,
		pattern:     pattern,
		severity:    severity,
	}, nil
}

func (a *SignatureAnalyzer) Name() string        { return a.name }
func (a *SignatureAnalyzer) Description() string { return a.description }

func (a *SignatureAnalyzer) Analyze(frame diag.Frame) []Event {
	var events []Event
	for i, msg := range frame.Messages() {
		if bytes.Contains(msg, a.pattern) {
			events = append(events, Event{
				Type:    a.severity,
				Message: fmt.Sprintf("%s matched in message %d", a.name, i),
			})
		}
	}
	return events
}

// AnalyzerInfo describes an analyzer in the analysis file header.
type AnalyzerInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Finding is an Event attributed to the analyzer that produced it.
type Finding struct {
	Analyzer string
	Event
}

// Harness runs a fixed set of analyzers in order.
type Harness struct {
	analyzers []Analyzer
	log       *logger.Logger
}

// NewHarness creates a harness over analyzers.
func NewHarness(analyzers ...Analyzer) *Harness {
	return &Harness{analyzers: analyzers, log: logger.GetLogger()}
}

// HarnessFromConfig builds a harness with one SignatureAnalyzer per
// configured signature.
func HarnessFromConfig(cfg config.AnalysisConfig) (*Harness, error) {
	analyzers := make([]Analyzer, 0, len(cfg.Signatures))
	for _, sig := range cfg.Signatures {
		a, err := NewSignatureAnalyzer(sig)
		if err != nil {
			return nil, err
		}
		analyzers = append(analyzers, a)
	}
	return NewHarness(analyzers...), nil
}

// Analyzers lists the analyzers in run order.
func (h *Harness) Analyzers() []AnalyzerInfo {
	infos := make([]AnalyzerInfo, 0, len(h.analyzers))
	for _, a := range h.analyzers {
		infos = append(infos, AnalyzerInfo{Name: a.Name(), Description: a.Description()})
	}
	return infos
}

// Analyze runs every analyzer over frame. A panicking analyzer is logged
// and skipped so capture keeps going.
func (h *Harness) Analyze(frame diag.Frame) []Finding {
	var findings []Finding
	for _, a := range h.analyzers {
		for _, ev := range h.run(a, frame) {
			findings = append(findings, Finding{Analyzer: a.Name(), Event: ev})
		}
	}
	return findings
}

func (h *Harness) run(a Analyzer, frame diag.Frame) (events []Event) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("[analysis] Analyzer %s panicked: %v", a.Name(), r)
			events = nil
		}
	}()
	return a.Analyze(frame)
}
