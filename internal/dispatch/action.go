// Package dispatch carries UI actions from the engine goroutine to the single
// goroutine that owns the output surfaces.
package dispatch

import "github.com/loqalabs/loqa-kiosk/internal/catalog"

type Kind int

const (
	KindShowPopup Kind = iota + 1
	KindClosePopup
	KindSpeak
)

func (k Kind) String() string {
	switch k {
	case KindShowPopup:
		return "show_popup"
	case KindClosePopup:
		return "close_popup"
	case KindSpeak:
		return "speak"
	default:
		return "unknown"
	}
}

// Action is an immutable UI command. Only the fields relevant to Kind are set.
type Action struct {
	Kind     Kind
	Product  catalog.Product
	PopupID  string
	Text     string
	AudioKey string
}

func ShowPopup(p catalog.Product, popupID string) Action {
	return Action{Kind: KindShowPopup, Product: p, PopupID: popupID}
}

func ClosePopup() Action {
	return Action{Kind: KindClosePopup}
}

func Speak(text, audioKey string) Action {
	return Action{Kind: KindSpeak, Text: text, AudioKey: audioKey}
}
