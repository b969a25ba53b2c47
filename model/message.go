package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// AllocationMode controls which recommended symbols may be bought.
type AllocationMode string

const (
	// AllocationNew allows buying any recommended symbol.
	AllocationNew AllocationMode = "new"
	// AllocationExisting restricts buys to symbols the user already holds.
	AllocationExisting AllocationMode = "existing"
)

// Recommendation actions reported by the model.
const (
	ActionBuy     = "buy"
	ActionSell    = "sell"
	ActionHold    = "hold"
	ActionNoTrade = "no_trade"
)

// Recommendation is one model inference for a symbol. Optional numeric
// fields are pointers so an absent value can fall back to defaults.
type Recommendation struct {
	Symbol            string   `json:"symbol"`
	Category          string   `json:"category"`
	ModelTargetWeight *float64 `json:"modelTargetWeight,omitempty"`
	Intensity         *float64 `json:"intensity,omitempty"`
	BuyScore          *float64 `json:"buyScore,omitempty"`
	SellScore         *float64 `json:"sellScore,omitempty"`
	HasStock          bool     `json:"hasStock"`
	Action            string   `json:"action,omitempty"`
	Confidence        float64  `json:"confidence,omitempty"`
	ExpectedEdgeRate  *float64 `json:"expectedEdgeRate,omitempty"`
	EstimatedCostRate *float64 `json:"estimatedCostRate,omitempty"`
	Reason            string   `json:"reason,omitempty"`
}

func (r Recommendation) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Symbol, validation.Required, validation.By(symbolRule)),
		validation.Field(&r.Action, validation.In(ActionBuy, ActionSell, ActionHold, ActionNoTrade)),
		validation.Field(&r.Confidence, validation.Min(0.0), validation.Max(1.0)),
	)
}

// IsTrimOnly reports whether the model asked to keep the position without
// adding to it.
func (r Recommendation) IsTrimOnly() bool {
	action := strings.ToLower(r.Action)
	return action == ActionHold || action == ActionNoTrade
}

func symbolRule(value interface{}) error {
	symbol, _ := value.(string)
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return errors.New("must be of the form BASE/QUOTE")
	}
	return nil
}

// RebalanceMessage is the queue payload for one user of one run.
type RebalanceMessage struct {
	Version        int              `json:"version"`
	Module         Module           `json:"module"`
	RunID          string           `json:"runId"`
	MessageKey     string           `json:"messageKey"`
	UserID         string           `json:"userId"`
	GeneratedAt    time.Time        `json:"generatedAt"`
	ExpiresAt      time.Time        `json:"expiresAt"`
	AllocationMode AllocationMode   `json:"allocationMode,omitempty"`
	Inferences     []Recommendation `json:"inferences"`
}

// MessageKeyFor builds the canonical idempotency key of a run message.
func MessageKeyFor(runID, userID string) string {
	return fmt.Sprintf("%s:%s", runID, userID)
}

func (m *RebalanceMessage) Key() ExecutionKey {
	return ExecutionKey{Module: m.Module, MessageKey: m.MessageKey, UserID: m.UserID}
}

// HasIdentity reports whether the ledger key of the message is known.
func (m *RebalanceMessage) HasIdentity() bool {
	return m != nil && m.Module != "" && m.MessageKey != "" && m.UserID != ""
}

func (m *RebalanceMessage) Mode() AllocationMode {
	if m.AllocationMode == "" {
		return AllocationNew
	}
	return m.AllocationMode
}

// IsExpired reports whether the message deadline has passed.
func (m *RebalanceMessage) IsExpired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// MessageParser decodes and validates queue payloads.
type MessageParser struct {
	SupportedVersion int
	// ModuleAliases maps legacy module tags to canonical modules.
	ModuleAliases map[string]string
}

func NewMessageParser(supportedVersion int, aliases map[string]string) *MessageParser {
	normalized := make(map[string]string, len(aliases))
	for alias, module := range aliases {
		normalized[strings.ToLower(strings.TrimSpace(alias))] = strings.ToLower(strings.TrimSpace(module))
	}
	return &MessageParser{SupportedVersion: supportedVersion, ModuleAliases: normalized}
}

// Parse decodes payload. When the JSON decodes but fails validation the
// decoded message is returned alongside the error so the caller can still
// close the ledger row of a known identity.
func (p *MessageParser) Parse(payload []byte) (*RebalanceMessage, error) {
	var msg RebalanceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	msg.Module = p.normalizeModule(msg.Module)
	msg.RunID = strings.TrimSpace(msg.RunID)
	msg.UserID = strings.TrimSpace(msg.UserID)
	msg.MessageKey = strings.TrimSpace(msg.MessageKey)
	msg.AllocationMode = AllocationMode(strings.ToLower(string(msg.AllocationMode)))

	if err := p.validate(&msg); err != nil {
		return &msg, err
	}
	return &msg, nil
}

func (p *MessageParser) normalizeModule(module Module) Module {
	tag := strings.ToLower(strings.TrimSpace(string(module)))
	if canonical, ok := p.ModuleAliases[tag]; ok {
		return Module(canonical)
	}
	return Module(tag)
}

func (p *MessageParser) validate(m *RebalanceMessage) error {
	return validation.ValidateStruct(m,
		validation.Field(&m.Version, validation.Required, validation.In(p.SupportedVersion).Error(fmt.Sprintf("unsupported version, expected %d", p.SupportedVersion))),
		validation.Field(&m.Module, validation.Required, validation.In(ModuleAllocation, ModuleRisk)),
		validation.Field(&m.RunID, validation.Required),
		validation.Field(&m.UserID, validation.Required),
		validation.Field(&m.MessageKey, validation.Required, validation.By(func(value interface{}) error {
			if value.(string) != MessageKeyFor(m.RunID, m.UserID) {
				return errors.New("must be <runId>:<userId>")
			}
			return nil
		})),
		validation.Field(&m.GeneratedAt, validation.Required),
		validation.Field(&m.ExpiresAt, validation.Required, validation.Min(m.GeneratedAt).Exclusive().Error("must be after generatedAt")),
		validation.Field(&m.AllocationMode, validation.In(AllocationNew, AllocationExisting)),
		validation.Field(&m.Inferences),
	)
}
