package conversation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/loqalabs/loqa-kiosk/internal/catalog"
	"github.com/loqalabs/loqa-kiosk/internal/config"
	"github.com/loqalabs/loqa-kiosk/internal/dispatch"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeCatalog struct {
	products map[string]catalog.Product
}

func (f *fakeCatalog) GetProduct(_ context.Context, id string) (catalog.Product, bool, error) {
	p, ok := f.products[id]
	return p, ok, nil
}

func (f *fakeCatalog) SearchByKeyword(ctx context.Context, kw string) ([]catalog.Product, error) {
	all, _ := f.List(ctx)
	var out []catalog.Product
	for _, p := range all {
		text := strings.ToLower(p.ID + " " + p.Name + " " + p.Description + " " + strings.Join(p.Tags, " "))
		if strings.Contains(text, strings.ToLower(kw)) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeCatalog) List(context.Context) ([]catalog.Product, error) {
	out := make([]catalog.Product, 0, len(f.products))
	for _, p := range f.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func newCatalog() *fakeCatalog {
	return &fakeCatalog{products: map[string]catalog.Product{
		"耐克黑色短袖": {
			ID: "耐克黑色短袖", Name: "耐克黑色短袖", Price: 89, Description: "纯棉透气",
			Tags:  []string{"nike", "t恤"},
			Sizes: map[string]catalog.SizeOption{"M": {Price: 99}, "L": {}},
		},
		"安踏白色长裤": {
			ID: "安踏白色长裤", Name: "安踏白色长裤", Price: 129, Description: "运动休闲",
			Sizes: map[string]catalog.SizeOption{"XL": {Price: 139}},
		},
	}}
}

func newMachine(t *testing.T) *Machine {
	t.Helper()
	n := 0
	return NewMachine(newCatalog(), config.Default().Conversation, newLogger(), WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("popup-%d", n)
	}))
}

func kinds(actions []dispatch.Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.Kind.String()
	}
	return out
}

func TestFilterDropsNoise(t *testing.T) {
	f := NewFilter(config.Default().Conversation)
	cases := map[string]string{
		"":                     ReasonEmpty,
		"   ":                  ReasonEmpty,
		".":                    ReasonPunctuation,
		"。":                    ReasonPunctuation,
		"Chinese Letter":       ReasonDenyList,
		"try these letter":     ReasonDenyList,
		"为您找到耐克黑色短袖":           ReasonDenyList,
		"hello everybody":      ReasonLatinNoise,
		"我要Nike shirt":         "",
		"M":                    "",
		"取消":                   "",
		"黑色":                   "",
		"tiny shirt attention": "",
	}
	for text, want := range cases {
		if _, got := f.Check(text); got != want {
			t.Fatalf("Check(%q) reason = %q, want %q", text, got, want)
		}
	}
}

func TestFilterMatchesLatinEntriesAsWords(t *testing.T) {
	f := NewFilter(config.ConversationConfig{DenyList: []string{"chi", "t"}})
	if _, reason := f.Check("chic 黑色"); reason != "" {
		t.Fatalf("expected 'chi' not to match inside a word, got %q", reason)
	}
	if _, reason := f.Check("t恤 黑色"); reason != ReasonDenyList {
		t.Fatalf("expected standalone 't' to be denied, got %q", reason)
	}
}

func TestMatcherOrder(t *testing.T) {
	m := NewMatcher(newCatalog(), config.Default().Conversation)
	ctx := context.Background()
	cases := map[string]string{
		"我想要耐克黑色短袖": "耐克黑色短袖",
		"黑色":        "耐克黑色短袖",
		"白色长裤有吗":    "安踏白色长裤",
		"有没有长裤卖呢":   "安踏白色长裤",
	}
	for text, want := range cases {
		p, ok, err := m.Match(ctx, text)
		if err != nil {
			t.Fatalf("match %q: %v", text, err)
		}
		if !ok || p.ID != want {
			t.Fatalf("Match(%q) = %q/%v, want %q", text, p.ID, ok, want)
		}
	}
	if _, ok, _ := m.Match(ctx, "耐克"); ok {
		t.Fatal("expected short partial query not to match")
	}
	if _, ok, _ := m.Match(ctx, "今天天气很好"); ok {
		t.Fatal("expected unrelated text not to match")
	}
}

func TestDecisionShowsProductAndAsksSize(t *testing.T) {
	m := newMachine(t)
	res, err := m.HandleDecision(context.Background(), "耐克黑色短袖")
	if err != nil {
		t.Fatalf("decision: %v", err)
	}
	want := []dispatch.Action{
		dispatch.ClosePopup(),
		dispatch.ShowPopup(newCatalog().products["耐克黑色短袖"], "popup-1"),
		dispatch.Speak("为您找到耐克黑色短袖, 价格89, 纯棉透气请问您需要什么尺码？", "ask_size_耐克黑色短袖.wav"),
	}
	if diff := cmp.Diff(want, res.Actions); diff != "" {
		t.Fatalf("unexpected actions (-want +got):\n%s", diff)
	}
	if m.State() != AwaitingSize || res.Outcome != OutcomeShown {
		t.Fatalf("expected awaiting size, got %v/%v", m.State(), res.Outcome)
	}
	snap := m.Snapshot()
	if snap.CurrentProduct == nil || snap.CurrentProduct.ID != "耐克黑色短袖" || snap.ActivePopupID != "popup-1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestSizeSelectionDerivesProduct(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()
	if _, err := m.HandleDecision(ctx, "耐克黑色短袖"); err != nil {
		t.Fatalf("decision: %v", err)
	}

	res, err := m.HandleUtterance(ctx, "M")
	if err != nil {
		t.Fatalf("utterance: %v", err)
	}
	if diff := cmp.Diff([]string{"close_popup", "show_popup", "speak"}, kinds(res.Actions)); diff != "" {
		t.Fatalf("unexpected action kinds (-want +got):\n%s", diff)
	}
	shown := res.Actions[1].Product
	if shown.Price != 99 || shown.Description != "纯棉透气 尺码: M" {
		t.Fatalf("unexpected derived product %+v", shown)
	}
	if res.Actions[2].Text != "已为您选择M码" || res.Actions[2].AudioKey != "size_selected.wav" {
		t.Fatalf("unexpected confirmation %+v", res.Actions[2])
	}
	if m.State() != Idle {
		t.Fatalf("expected idle after size selection, got %v", m.State())
	}
	if snap := m.Snapshot(); snap.CurrentProduct == nil || snap.CurrentProduct.Price != 99 {
		t.Fatalf("expected derived product to be current, got %+v", snap.CurrentProduct)
	}
	original, _, _ := newCatalog().GetProduct(ctx, "耐克黑色短袖")
	if original.Price != 89 {
		t.Fatal("catalog entry must not change")
	}
}

func TestSizeInheritsBasePrice(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()
	_, _ = m.HandleDecision(ctx, "耐克黑色短袖")
	res, err := m.HandleUtterance(ctx, "l码")
	if err != nil {
		t.Fatalf("utterance: %v", err)
	}
	if res.Outcome != OutcomeSizeSelected || res.Product.Price != 89 {
		t.Fatalf("expected L to inherit base price, got %+v", res)
	}
}

func TestUnofferedSizeKeepsAwaiting(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()
	_, _ = m.HandleDecision(ctx, "耐克黑色短袖")
	res, err := m.HandleUtterance(ctx, "XL")
	if err != nil {
		t.Fatalf("utterance: %v", err)
	}
	if len(res.Actions) != 0 || m.State() != AwaitingSize {
		t.Fatalf("expected no actions and awaiting size, got %+v in %v", res, m.State())
	}
}

func TestProductQueryWhileAwaitingSize(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()
	_, _ = m.HandleDecision(ctx, "耐克黑色短袖")
	res, err := m.HandleUtterance(ctx, "我要安踏白色长裤")
	if err != nil {
		t.Fatalf("utterance: %v", err)
	}
	if res.Outcome != OutcomeShown || res.Product.ID != "安踏白色长裤" {
		t.Fatalf("expected new product to be shown, got %+v", res)
	}
	if m.State() != AwaitingSize || m.Snapshot().ActivePopupID != "popup-2" {
		t.Fatalf("unexpected state %+v", m.Snapshot())
	}
}

func TestCancelClearsProduct(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()
	_, _ = m.HandleDecision(ctx, "耐克黑色短袖")

	res, err := m.HandleUtterance(ctx, "取消")
	if err != nil {
		t.Fatalf("utterance: %v", err)
	}
	want := []dispatch.Action{dispatch.ClosePopup(), dispatch.Speak("好的，已为您取消", "cancel.wav")}
	if diff := cmp.Diff(want, res.Actions); diff != "" {
		t.Fatalf("unexpected actions (-want +got):\n%s", diff)
	}
	if !res.ResetConsensus || res.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancellation with consensus reset, got %+v", res)
	}
	snap := m.Snapshot()
	if snap.CurrentProduct != nil || snap.State != Idle || snap.ActivePopupID != "" {
		t.Fatalf("expected cleared state, got %+v", snap)
	}
}

func TestCancelWithoutProductIsNoop(t *testing.T) {
	m := newMachine(t)
	res, err := m.HandleUtterance(context.Background(), "算了")
	if err != nil {
		t.Fatalf("utterance: %v", err)
	}
	if res.Outcome != OutcomeIgnored || len(res.Actions) != 0 || res.ResetConsensus {
		t.Fatalf("expected no-op, got %+v", res)
	}
}

func TestNoiseProducesNoActions(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()
	_, _ = m.HandleDecision(ctx, "耐克黑色短袖")
	before := m.Snapshot()
	for _, text := range []string{"", "。", "chinese letter", "abcdefgh"} {
		res, err := m.HandleUtterance(ctx, text)
		if err != nil {
			t.Fatalf("utterance %q: %v", text, err)
		}
		if res.Outcome != OutcomeIgnored || len(res.Actions) != 0 {
			t.Fatalf("expected %q to be ignored, got %+v", text, res)
		}
	}
	if diff := cmp.Diff(before, m.Snapshot()); diff != "" {
		t.Fatalf("state changed (-before +after):\n%s", diff)
	}
}

func TestUnknownDecision(t *testing.T) {
	m := newMachine(t)
	res, err := m.HandleDecision(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("decision: %v", err)
	}
	if res.Outcome != OutcomeNotFound || len(res.Actions) != 0 || m.State() != Idle {
		t.Fatalf("expected not found, got %+v", res)
	}
}

func TestPopupDismissed(t *testing.T) {
	m := newMachine(t)
	_, _ = m.HandleDecision(context.Background(), "耐克黑色短袖")
	if m.PopupDismissed("popup-9") {
		t.Fatal("stale popup id must be ignored")
	}
	if !m.PopupDismissed("popup-1") {
		t.Fatal("expected active popup dismissal to apply")
	}
	if m.State() != Idle || m.Snapshot().CurrentProduct != nil {
		t.Fatalf("expected idle without product, got %+v", m.Snapshot())
	}
}

func TestGreeting(t *testing.T) {
	m := newMachine(t)
	got := m.Greeting()
	if len(got) != 1 || got[0].Text != "亲亲你想买什么" || got[0].Kind != dispatch.KindSpeak {
		t.Fatalf("unexpected greeting %+v", got)
	}
}
