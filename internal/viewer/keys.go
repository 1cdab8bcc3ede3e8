package viewer

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines all keyboard bindings for the viewer.
type KeyMap struct {
	Subscribe key.Binding
	Once      key.Binding
	Status    key.Binding
	Faster    key.Binding
	Slower    key.Binding
	Scenario  key.Binding
	Restart   key.Binding
	Help      key.Binding
	Escape    key.Binding
	Quit      key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Subscribe: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "subscribe/unsubscribe"),
		),
		Once: key.NewBinding(
			key.WithKeys("o"),
			key.WithHelp("o", "one sample"),
		),
		Status: key.NewBinding(
			key.WithKeys("i"),
			key.WithHelp("i", "server status"),
		),
		Faster: key.NewBinding(
			key.WithKeys("+", "="),
			key.WithHelp("+", "double rate"),
		),
		Slower: key.NewBinding(
			key.WithKeys("-", "_"),
			key.WithHelp("-", "halve rate"),
		),
		Scenario: key.NewBinding(
			key.WithKeys("1", "2", "3", "4"),
			key.WithHelp("1-4", "scenario"),
		),
		Restart: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "reconnect"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		Escape: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "close help"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Subscribe, k.Faster, k.Slower, k.Scenario, k.Restart, k.Help, k.Quit}
}

func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Subscribe, k.Once, k.Status},
		{k.Faster, k.Slower, k.Scenario},
		{k.Restart, k.Help, k.Quit},
	}
}
