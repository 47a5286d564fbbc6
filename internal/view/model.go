package view

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/danmuck/rigsync/internal/mirror"
	"github.com/danmuck/rigsync/internal/session"
)

const maxNotices = 5

// Source is what a view reads. *session.Client satisfies it.
type Source interface {
	Mirror() *mirror.Mirror
	State() session.State
}

// Event is pushed from session hooks into the view.
type Event struct {
	State  *session.State
	Notice *session.Notice
}

// Feed adapts session hooks into a buffered event channel. Sends never block
// the client loop; events are dropped when the view falls behind.
type Feed struct {
	ch chan Event
}

func NewFeed(size int) *Feed {
	if size <= 0 {
		size = 64
	}
	return &Feed{ch: make(chan Event, size)}
}

func (f *Feed) Events() <-chan Event {
	return f.ch
}

// Hooks returns session hooks that forward into f. next, when set, is called
// as well.
func (f *Feed) Hooks(next session.Hooks) session.Hooks {
	return session.Hooks{
		OnStateChange: func(prev, st session.State) {
			f.push(Event{State: &st})
			if next.OnStateChange != nil {
				next.OnStateChange(prev, st)
			}
		},
		OnNotice: func(n session.Notice) {
			f.push(Event{Notice: &n})
			if next.OnNotice != nil {
				next.OnNotice(n)
			}
		},
		OnMirrorUpdate: func(msgType string, res mirror.MergeResult) {
			f.push(Event{})
			if next.OnMirrorUpdate != nil {
				next.OnMirrorUpdate(msgType, res)
			}
		},
	}
}

func (f *Feed) push(ev Event) {
	select {
	case f.ch <- ev:
	default:
	}
}

type eventMsg struct{ ev Event }

type tickMsg time.Time

// Model is the bubbletea model for one mirror view.
type Model struct {
	source  Source
	events  <-chan Event
	refresh time.Duration

	snap    mirror.Snapshot
	state   session.State
	notices []session.Notice
	width   int
}

// NewModel builds a view over source. events may be nil; the view then only
// refreshes on its ticker.
func NewModel(source Source, events <-chan Event, refresh time.Duration) Model {
	if refresh <= 0 {
		refresh = 500 * time.Millisecond
	}
	return Model{
		source:  source,
		events:  events,
		refresh: refresh,
		snap:    source.Mirror().Snapshot(),
		state:   source.State(),
	}
}

func (model Model) Init() tea.Cmd {
	return tea.Batch(tick(model.refresh), listen(model.events))
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func listen(ch <-chan Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return eventMsg{ev: ev}
	}
}

func (model Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.KeyMsg:
		switch message.String() {
		case "q", "ctrl+c", "esc":
			return model, tea.Quit
		}
	case tea.WindowSizeMsg:
		model.width = message.Width
	case tickMsg:
		model.sync()
		return model, tick(model.refresh)
	case eventMsg:
		if message.ev.State != nil {
			model.state = *message.ev.State
		}
		if message.ev.Notice != nil {
			model.notices = append(model.notices, *message.ev.Notice)
			if len(model.notices) > maxNotices {
				model.notices = model.notices[len(model.notices)-maxNotices:]
			}
		}
		model.sync()
		return model, listen(model.events)
	}
	return model, nil
}

func (model *Model) sync() {
	model.snap = model.source.Mirror().Snapshot()
	model.state = model.source.State()
}

func (model Model) View() string {
	return Render(model.snap, model.state, model.notices, model.width)
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	labelStyle   = lipgloss.NewStyle().Faint(true)
	alertStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	sectionStyle = lipgloss.NewStyle().MarginTop(1)
)

// Render draws one frame. It is pure so tests and non-interactive callers can
// use it directly.
func Render(snap mirror.Snapshot, state session.State, notices []session.Notice, width int) string {
	var b strings.Builder

	header := fmt.Sprintf("rigsync  %s  mode=%s", stateLabel(state), snap.Mode)
	if snap.Pending != nil {
		header += warnStyle.Render(fmt.Sprintf("  (pending %s)", snap.Pending.Mode))
	}
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n")
	if snap.EmergencyStopped {
		b.WriteString(alertStyle.Render("EMERGENCY STOP"))
		b.WriteString("\n")
	}

	rows := []string{labelStyle.Render(fmt.Sprintf("%-14s %8s %4s %8s %8s", "actuator", "rpm", "dir", "enabled", "limit"))}
	for _, id := range snap.ActuatorIDs() {
		st := snap.Actuators[id]
		limit := "-"
		if v, ok := snap.Limits[id]; ok {
			limit = fmt.Sprintf("%.0f", v)
		}
		rows = append(rows, fmt.Sprintf("%-14s %8.1f %4s %8t %8s", id, st.Speed, st.Sense.Wire(), st.Enabled, limit))
	}
	b.WriteString(sectionStyle.Render(strings.Join(rows, "\n")))
	b.WriteString("\n")

	if !snap.Feed.Empty() {
		f := snap.Feed
		feed := []string{
			labelStyle.Render("feed"),
			fmt.Sprintf("price_usd=%.2f gas_gwei=%.2f base_fee_gwei=%.2f", f.PriceUSD, f.GasPriceGwei, f.BaseFeeGwei),
			fmt.Sprintf("blob_util=%.1f%% fullness=%.1f%% block=%d epoch=%s", f.BlobUtilization, f.BlockFullness, f.BlockNumber, f.Epoch),
		}
		b.WriteString(sectionStyle.Render(strings.Join(feed, "\n")))
		b.WriteString("\n")
	}

	if snap.Status != nil || len(snap.Sessions) > 0 {
		lines := []string{labelStyle.Render("controller")}
		if st := snap.Status; st != nil {
			lines = append(lines, fmt.Sprintf("health=%s clients=%d active_sessions=%d uptime=%s",
				st.Health.Status, st.Health.ConnectedClients, st.Health.ActiveSessions, st.Health.Uptime.Truncate(time.Second)))
		}
		ids := make([]string, 0, len(snap.Sessions))
		for id := range snap.Sessions {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			ds := snap.Sessions[id]
			line := fmt.Sprintf("session %s %s participants=%d", id, ds.Phase, len(ds.Participants))
			if id == snap.JoinedSession {
				line += okStyle.Render(" (joined)")
			}
			lines = append(lines, line)
		}
		b.WriteString(sectionStyle.Render(strings.Join(lines, "\n")))
		b.WriteString("\n")
	}

	if len(notices) > 0 {
		lines := []string{labelStyle.Render("notices")}
		for _, n := range notices {
			line := fmt.Sprintf("%s %s", n.At.Format("15:04:05"), n.Kind)
			if n.Message != "" {
				line += " " + n.Message
			} else if n.Err != nil {
				line += " " + n.Err.Error()
			}
			lines = append(lines, line)
		}
		b.WriteString(sectionStyle.Render(strings.Join(lines, "\n")))
		b.WriteString("\n")
	}

	out := b.String()
	if width > 0 {
		out = lipgloss.NewStyle().MaxWidth(width).Render(out)
	}
	return out
}

func stateLabel(s session.State) string {
	switch s {
	case session.StateConnected:
		return okStyle.Render(s.String())
	case session.StateConnecting:
		return warnStyle.Render(s.String())
	default:
		return alertStyle.Render(s.String())
	}
}
