package tui

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"DualChat/internal/conversation"
	"DualChat/internal/pane"
	"DualChat/internal/transport"

	tea "github.com/charmbracelet/bubbletea"
)

type fakePane struct {
	name    string
	updates chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	snap    pane.Snapshot
	drafts  []string
	submits int
}

func newFakePane(name string) *fakePane {
	return &fakePane{
		name:    name,
		updates: make(chan struct{}, 1),
		done:    make(chan struct{}),
		snap:    pane.Snapshot{Name: name, State: transport.StateOpen},
	}
}

func (p *fakePane) Name() string { return p.name }

func (p *fakePane) SetDraft(text string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drafts = append(p.drafts, text)
	return true
}

func (p *fakePane) SubmitDraft() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits++
	return true
}

func (p *fakePane) Snapshot() pane.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

func (p *fakePane) Updates() <-chan struct{} { return p.updates }
func (p *fakePane) Done() <-chan struct{}    { return p.done }

func (p *fakePane) set(snap pane.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap.Name = p.name
	p.snap = snap
}

func (p *fakePane) lastDraft() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.drafts) == 0 {
		return ""
	}
	return p.drafts[len(p.drafts)-1]
}

func send(m model, msgs ...tea.Msg) (model, tea.Cmd) {
	var cmd tea.Cmd
	for _, msg := range msgs {
		var next tea.Model
		next, cmd = m.Update(msg)
		m = next.(model)
	}
	return m, cmd
}

func typeText(text string) tea.Msg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)}
}

func sized(left, right *fakePane) model {
	m, _ := send(newModel(left, right), tea.WindowSizeMsg{Width: 120, Height: 30})
	return m
}

func TestTypingUpdatesDraftOfFocusedPane(t *testing.T) {
	left, right := newFakePane("left"), newFakePane("right")
	m := sized(left, right)

	m, _ = send(m, typeText("h"), typeText("i"))

	if got := left.lastDraft(); got != "hi" {
		t.Fatalf("left draft = %q, want %q", got, "hi")
	}
	if len(right.drafts) != 0 {
		t.Fatalf("right pane received drafts %q", right.drafts)
	}
	if m.cols[0].input.Value() != "hi" {
		t.Fatalf("input value = %q", m.cols[0].input.Value())
	}
}

func TestEnterSubmitsDraftAndClearsInput(t *testing.T) {
	left, right := newFakePane("left"), newFakePane("right")
	m := sized(left, right)

	m, _ = send(m, typeText("hello"), tea.KeyMsg{Type: tea.KeyEnter})

	if left.submits != 1 {
		t.Fatalf("expected one submission, got %d", left.submits)
	}
	if right.submits != 0 {
		t.Fatalf("right pane must not submit")
	}
	if m.cols[0].input.Value() != "" {
		t.Fatalf("input not cleared: %q", m.cols[0].input.Value())
	}
}

func TestTabMovesInputToOtherPane(t *testing.T) {
	left, right := newFakePane("left"), newFakePane("right")
	m := sized(left, right)

	m, _ = send(m, tea.KeyMsg{Type: tea.KeyTab}, typeText("yo"), tea.KeyMsg{Type: tea.KeyEnter})

	if m.focus != 1 {
		t.Fatalf("focus = %d, want 1", m.focus)
	}
	if right.lastDraft() != "yo" || right.submits != 1 {
		t.Fatalf("right pane drafts=%q submits=%d", right.drafts, right.submits)
	}
	if len(left.drafts) != 0 || left.submits != 0 {
		t.Fatalf("left pane touched: drafts=%q submits=%d", left.drafts, left.submits)
	}
}

func TestUpdateRendersLatestSnapshot(t *testing.T) {
	left, right := newFakePane("left"), newFakePane("right")
	m := sized(left, right)

	right.set(pane.Snapshot{
		State: transport.StateOpen,
		Turns: []conversation.Turn{
			{Role: conversation.RoleUser, Content: "what is go"},
			{Role: conversation.RoleAssistant, Content: "a language"},
		},
	})
	m, cmd := send(m, paneUpdatedMsg{side: 1})
	if cmd == nil {
		t.Fatalf("expected the model to keep waiting for updates")
	}

	view := m.View()
	for _, want := range []string{"what is go", "a language", "No messages yet. Say something to left."} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestUserTurnsAreSanitized(t *testing.T) {
	left, right := newFakePane("left"), newFakePane("right")
	m := sized(left, right)

	left.set(pane.Snapshot{Turns: []conversation.Turn{
		{Role: conversation.RoleUser, Content: "\x1b]0;pwned\x07plain"},
	}})
	m, _ = send(m, paneUpdatedMsg{side: 0})

	view := m.View()
	if strings.Contains(view, "pwned") {
		t.Fatalf("control sequence leaked into view:\n%q", view)
	}
	if !strings.Contains(view, "plain") {
		t.Fatalf("view missing user text:\n%s", view)
	}
}

func TestStatusLineShowsPendingAndErrors(t *testing.T) {
	left, right := newFakePane("left"), newFakePane("right")
	m := sized(left, right)

	left.set(pane.Snapshot{
		State:   transport.StateOpen,
		Busy:    true,
		Pending: true,
		Turns:   []conversation.Turn{{Role: conversation.RoleUser, Content: "hi"}},
	})
	right.set(pane.Snapshot{
		State: transport.StateErrored,
		Err:   errors.New("dial: connection refused"),
	})
	m, _ = send(m, paneUpdatedMsg{side: 0}, paneUpdatedMsg{side: 1})

	view := m.View()
	if !strings.Contains(view, "waiting for reply") {
		t.Errorf("pending indicator missing:\n%s", view)
	}
	if !strings.Contains(view, "connection refused") {
		t.Errorf("error missing:\n%s", view)
	}
	if !strings.Contains(view, transport.StateErrored.String()) {
		t.Errorf("state missing:\n%s", view)
	}
}

func TestWaitForUpdate(t *testing.T) {
	p := newFakePane("left")

	p.updates <- struct{}{}
	if msg := waitForUpdate(0, p)(); msg != (paneUpdatedMsg{side: 0}) {
		t.Fatalf("got %#v, want paneUpdatedMsg", msg)
	}

	close(p.done)
	if msg := waitForUpdate(1, p)(); msg != (paneStoppedMsg{side: 1}) {
		t.Fatalf("got %#v, want paneStoppedMsg", msg)
	}
}

func TestStoppedPaneHidesInput(t *testing.T) {
	left, right := newFakePane("left"), newFakePane("right")
	m := sized(left, right)

	m, _ = send(m, paneStoppedMsg{side: 1})
	if m.cols[1].live {
		t.Fatalf("expected right pane to be marked stopped")
	}
	if !strings.Contains(m.View(), "pane stopped") {
		t.Fatalf("view does not show stopped pane")
	}
}

func TestQuitKeys(t *testing.T) {
	for _, msg := range []tea.KeyMsg{{Type: tea.KeyEsc}, {Type: tea.KeyCtrlC}} {
		t.Run(msg.String(), func(t *testing.T) {
			m := sized(newFakePane("left"), newFakePane("right"))
			_, cmd := send(m, msg)
			if cmd == nil {
				t.Fatalf("expected a quit command")
			}
			if _, ok := cmd().(tea.QuitMsg); !ok {
				t.Fatalf("expected tea.QuitMsg")
			}
		})
	}
}
