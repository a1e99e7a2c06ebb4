// Package conversation holds the kiosk's dialogue state: which product is on
// screen and whether the shopper is being asked for a size. It turns
// utterances and consensus decisions into UI actions.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-kiosk/internal/catalog"
	"github.com/loqalabs/loqa-kiosk/internal/config"
	"github.com/loqalabs/loqa-kiosk/internal/dispatch"
)

type State int

const (
	Idle State = iota
	AwaitingSize
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingSize:
		return "awaiting_size"
	default:
		return "unknown"
	}
}

// IntentKind classifies an utterance.
type IntentKind int

const (
	IntentIgnore IntentKind = iota
	IntentCancel
	IntentSize
	IntentProduct
	IntentNotFound
)

// Intent is an interpreted utterance. Product is set for IntentProduct, Size
// for IntentSize, Reason for IntentIgnore.
type Intent struct {
	Kind    IntentKind
	Text    string
	Size    string
	Product catalog.Product
	Reason  string
}

type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeCancelled
	OutcomeShown
	OutcomeSizeSelected
	OutcomeNotFound
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeShown:
		return "shown"
	case OutcomeSizeSelected:
		return "size_selected"
	case OutcomeNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Result is what one input did. Actions must be enqueued in order.
type Result struct {
	Outcome Outcome
	Product *catalog.Product
	Actions []dispatch.Action
	// ResetConsensus asks the owner to clear its consensus windows.
	ResetConsensus bool
}

// Snapshot is a copy of the conversation state.
type Snapshot struct {
	State          State            `json:"-"`
	StateName      string           `json:"state"`
	CurrentProduct *catalog.Product `json:"current_product,omitempty"`
	AwaitingSize   bool             `json:"awaiting_size"`
	ActivePopupID  string           `json:"active_popup_id,omitempty"`
}

const (
	cancelText    = "好的，已为您取消"
	cancelKey     = "cancel.wav"
	askSizeText   = "请问您需要什么尺码？"
	sizeKey       = "size_selected.wav"
	greetingKey   = "greeting.wav"
	noDescription = "暂无描述"
)

type Option func(*Machine)

// WithIDGenerator replaces the popup ID source.
func WithIDGenerator(fn func() string) Option {
	return func(m *Machine) { m.newID = fn }
}

// Machine is not safe for concurrent use. One goroutine owns it.
type Machine struct {
	catalog  catalog.Catalog
	matcher  *Matcher
	filter   *Filter
	cfg      config.ConversationConfig
	log      *slog.Logger
	newID    func() string
	cancels  []string
	sizes    map[string]string
	state    State
	current  *catalog.Product
	activeID string
}

func NewMachine(cat catalog.Catalog, cfg config.ConversationConfig, log *slog.Logger, opts ...Option) *Machine {
	m := &Machine{
		catalog: cat,
		matcher: NewMatcher(cat, cfg),
		filter:  NewFilter(cfg),
		cfg:     cfg,
		log:     log.With(slog.String("component", "conversation")),
		newID:   uuid.NewString,
		sizes:   make(map[string]string),
	}
	for _, phrase := range cfg.CancelPhrases {
		m.cancels = append(m.cancels, strings.ToLower(phrase))
	}
	for _, size := range cfg.SizeTokens {
		m.sizes[strings.ToUpper(size)] = size
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) State() State { return m.state }

func (m *Machine) Snapshot() Snapshot {
	s := Snapshot{
		State:         m.state,
		StateName:     m.state.String(),
		AwaitingSize:  m.state == AwaitingSize,
		ActivePopupID: m.activeID,
	}
	if m.current != nil {
		p := *m.current
		s.CurrentProduct = &p
	}
	return s
}

// Greeting returns the startup greeting, if one is configured.
func (m *Machine) Greeting() []dispatch.Action {
	if strings.TrimSpace(m.cfg.Greeting) == "" {
		return nil
	}
	return []dispatch.Action{dispatch.Speak(m.cfg.Greeting, greetingKey)}
}

// Interpret classifies text without changing state.
func (m *Machine) Interpret(ctx context.Context, text string) (Intent, error) {
	clean, reason := m.filter.Check(text)
	if reason != "" {
		return Intent{Kind: IntentIgnore, Text: text, Reason: reason}, nil
	}
	if m.isCancel(clean) {
		if m.current == nil {
			return Intent{Kind: IntentIgnore, Text: clean, Reason: "nothing_to_cancel"}, nil
		}
		return Intent{Kind: IntentCancel, Text: clean}, nil
	}
	if m.state == AwaitingSize && m.current != nil {
		if size, ok := m.parseSize(clean); ok && m.current.HasSize(size) {
			return Intent{Kind: IntentSize, Text: clean, Size: size}, nil
		}
	}
	p, ok, err := m.matcher.Match(ctx, clean)
	if err != nil {
		return Intent{}, fmt.Errorf("match product: %w", err)
	}
	if !ok {
		return Intent{Kind: IntentNotFound, Text: clean}, nil
	}
	return Intent{Kind: IntentProduct, Text: clean, Product: p}, nil
}

// Apply performs an interpreted intent.
func (m *Machine) Apply(intent Intent) Result {
	switch intent.Kind {
	case IntentCancel:
		return m.cancel()
	case IntentSize:
		return m.selectSize(intent.Size)
	case IntentProduct:
		return m.show(intent.Product)
	case IntentNotFound:
		m.log.Debug("no product matched", slog.String("text", intent.Text))
		return Result{Outcome: OutcomeNotFound}
	default:
		m.log.Debug("input ignored", slog.String("text", intent.Text), slog.String("reason", intent.Reason))
		return Result{Outcome: OutcomeIgnored}
	}
}

// HandleUtterance interprets and applies text in one step.
func (m *Machine) HandleUtterance(ctx context.Context, text string) (Result, error) {
	intent, err := m.Interpret(ctx, text)
	if err != nil {
		return Result{}, err
	}
	return m.Apply(intent), nil
}

// HandleDecision shows the product a consensus decision names.
func (m *Machine) HandleDecision(ctx context.Context, identity string) (Result, error) {
	p, ok, err := m.catalog.GetProduct(ctx, identity)
	if err != nil {
		return Result{}, fmt.Errorf("get product %s: %w", identity, err)
	}
	if !ok {
		m.log.Warn("decision for unknown product", slog.String("identity", identity))
		return Result{Outcome: OutcomeNotFound}, nil
	}
	return m.show(p), nil
}

// PopupDismissed records that the shopper closed popup id directly. The
// conversation returns to Idle when it was the active popup.
func (m *Machine) PopupDismissed(id string) bool {
	if id == "" || id != m.activeID {
		return false
	}
	m.activeID = ""
	m.current = nil
	m.state = Idle
	return true
}

func (m *Machine) show(p catalog.Product) Result {
	id := m.newID()
	intro := Introduction(p) + askSizeText
	m.current = &p
	m.activeID = id
	m.state = AwaitingSize
	m.log.Info("showing product", slog.String("product", p.ID), slog.String("popup_id", id))
	shown := p
	return Result{
		Outcome: OutcomeShown,
		Product: &shown,
		Actions: []dispatch.Action{
			dispatch.ClosePopup(),
			dispatch.ShowPopup(p, id),
			dispatch.Speak(intro, "ask_size_"+p.ID+".wav"),
		},
	}
}

func (m *Machine) selectSize(size string) Result {
	derived, ok := m.current.WithSize(size)
	if !ok {
		return Result{Outcome: OutcomeIgnored}
	}
	id := m.newID()
	m.current = &derived
	m.activeID = id
	m.state = Idle
	m.log.Info("size selected", slog.String("product", derived.ID), slog.String("size", size))
	shown := derived
	return Result{
		Outcome: OutcomeSizeSelected,
		Product: &shown,
		Actions: []dispatch.Action{
			dispatch.ClosePopup(),
			dispatch.ShowPopup(derived, id),
			dispatch.Speak(fmt.Sprintf("已为您选择%s码", size), sizeKey),
		},
	}
}

func (m *Machine) cancel() Result {
	m.log.Info("purchase cancelled", slog.String("product", m.current.ID))
	m.current = nil
	m.activeID = ""
	m.state = Idle
	return Result{
		Outcome:        OutcomeCancelled,
		Actions:        []dispatch.Action{dispatch.ClosePopup(), dispatch.Speak(cancelText, cancelKey)},
		ResetConsensus: true,
	}
}

func (m *Machine) isCancel(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range m.cancels {
		if phrase != "" && strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// parseSize finds a size label written as its own latin word, as in "M",
// "m码" or "要XL的".
func (m *Machine) parseSize(text string) (string, bool) {
	words := strings.FieldsFunc(strings.ToUpper(text), func(r rune) bool {
		return r > unicode.MaxASCII || !unicode.IsLetter(r)
	})
	for _, w := range words {
		if size, ok := m.sizes[w]; ok {
			return size, true
		}
	}
	return "", false
}

// Introduction is the spoken product summary.
func Introduction(p catalog.Product) string {
	desc := p.Description
	if strings.TrimSpace(desc) == "" {
		desc = noDescription
	}
	return fmt.Sprintf("为您找到%s, 价格%s, %s", p.Name, p.PriceText(), desc)
}
