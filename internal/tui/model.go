package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"charm.land/bubbles/v2/help"
	"charm.land/bubbles/v2/key"
	"charm.land/bubbles/v2/table"
	"charm.land/bubbles/v2/textinput"
	tea "charm.land/bubbletea/v2"

	"github.com/dwizi/maestro-console/internal/app"
	"github.com/dwizi/maestro-console/internal/cache"
	"github.com/dwizi/maestro-console/internal/command"
	"github.com/dwizi/maestro-console/internal/consoleerr"
	"github.com/dwizi/maestro-console/internal/heartbeat"
	"github.com/dwizi/maestro-console/internal/nav"
	"github.com/dwizi/maestro-console/internal/registry"
	"github.com/dwizi/maestro-console/internal/resource"
	"github.com/dwizi/maestro-console/internal/status"
)

type Store interface {
	Get(key cache.Key) cache.Entry
}

type Navigator interface {
	State() nav.State
	Process() registry.Process
	SelectProcess(process registry.Process) error
	SelectInstance(instance registry.Instance) error
	Back() bool
}

type Refresher interface {
	Refresh(key cache.Key) <-chan struct{}
}

type Commands interface {
	Eligibility(instanceID, folderKey string) status.Classification
	Pause(ctx context.Context, req command.Request) (registry.OperationResult, error)
	Resume(ctx context.Context, req command.Request) (registry.OperationResult, error)
	Confirm(req command.Request) (command.Confirmation, error)
	Cancel(ctx context.Context, req command.Request, token string) (registry.OperationResult, error)
}

type Options struct {
	Store         Store
	Nav           Navigator
	Refresher     Refresher
	Commands      Commands
	Health        func() heartbeat.Snapshot
	DefaultFolder string
	Environment   string
	Tenant        string
	Logger        *slog.Logger
}

type detailTab int

const (
	tabOverview detailTab = iota
	tabRuns
	tabHistory
	tabVariables
	tabDiagram
)

var detailTabs = []detailTab{tabOverview, tabRuns, tabHistory, tabVariables, tabDiagram}

func (t detailTab) String() string {
	switch t {
	case tabRuns:
		return "runs"
	case tabHistory:
		return "history"
	case tabVariables:
		return "variables"
	case tabDiagram:
		return "diagram"
	default:
		return "overview"
	}
}

type model struct {
	opts   Options
	logger *slog.Logger
	keys   keyMap
	help   help.Model

	width    int
	height   int
	quitting bool
	clock    time.Time

	state      nav.State
	processes  []registry.Process
	instances  []registry.Instance
	projection *nav.Projection

	processTable  table.Model
	instanceTable table.Model

	tab       detailTab
	search    textinput.Model
	searching bool

	pendingCancel *command.Confirmation
	inFlight      int
	statusText    string
	errorText     string
}

type commandDoneMsg struct {
	command    status.Command
	instanceID string
	result     registry.OperationResult
	err        error
}

type clockMsg time.Time

// Run drives the console until the user quits or ctx is done. The runtime's
// background loops must already be running.
func Run(ctx context.Context, runtime *app.Runtime, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := runtime.Config()
	m := newModel(Options{
		Store:         runtime.Cache(),
		Nav:           runtime.Nav(),
		Refresher:     runtime.Scheduler(),
		Commands:      runtime.Dispatcher(),
		Health:        runtime.Health,
		DefaultFolder: cfg.DefaultFolderKey,
		Environment:   cfg.Environment,
		Tenant:        cfg.OrgName + "/" + cfg.TenantName,
		Logger:        logger,
	})

	programCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	program := tea.NewProgram(m, tea.WithContext(programCtx))

	bridge := newBridge(program.Send)
	stopCache := runtime.Cache().Watch(func(cache.Key) { bridge.notify() })
	defer stopCache()
	stopNav := runtime.Nav().Watch(func(nav.State) { bridge.notify() })
	defer stopNav()
	go bridge.run(programCtx)

	runtime.Nav().Start()
	_, err := program.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func newModel(opts Options) model {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	search := textinput.New()
	search.Prompt = "search: "
	search.Placeholder = "name, type or source"

	m := model{
		opts:          opts,
		logger:        logger.With("component", "tui"),
		keys:          newKeyMap(),
		help:          help.New(),
		width:         120,
		height:        36,
		clock:         time.Now(),
		projection:    &nav.Projection{},
		processTable:  newTable(processColumns(80)),
		instanceTable: newTable(instanceColumns(80)),
		search:        search,
		statusText:    "loading processes",
	}
	m.resizeWidgets()
	m.sync()
	return m
}

func newTable(columns []table.Column) table.Model {
	t := newTheme()
	styles := table.DefaultStyles()
	styles.Header = t.tableHeader
	styles.Cell = t.tableCell
	styles.Selected = t.tableSelected
	return table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithStyles(styles),
	)
}

func (m model) Init() tea.Cmd {
	return tickClock()
}

func tickClock() tea.Cmd {
	return tea.Tick(time.Second, func(now time.Time) tea.Msg {
		return clockMsg(now)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeWidgets()
		return m, nil
	case refreshMsg:
		m.sync()
		return m, nil
	case clockMsg:
		m.clock = time.Time(typed)
		return m, tickClock()
	case commandDoneMsg:
		m.inFlight--
		if typed.err != nil {
			m.errorText = commandErrorText(typed.command, typed.err)
			m.statusText = ""
			return m, nil
		}
		m.errorText = ""
		m.statusText = fmt.Sprintf("%s sent for %s", typed.command, typed.instanceID)
		if typed.result.Status != "" {
			m.statusText += " (" + typed.result.Status + ")"
		}
		return m, nil
	case tea.KeyPressMsg:
		return m.handleKey(typed)
	}
	return m, nil
}

func (m model) View() tea.View {
	v := tea.NewView(m.renderView())
	v.AltScreen = true
	return v
}

func (m model) handleKey(msg tea.KeyPressMsg) (tea.Model, tea.Cmd) {
	if m.searching {
		return m.handleSearchKey(msg)
	}
	if m.pendingCancel != nil {
		return m.handleConfirmKey(msg)
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		return m, tea.Quit
	case key.Matches(msg, m.keys.ToggleHelp):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	case key.Matches(msg, m.keys.Select):
		m.selectRow()
		return m, nil
	case key.Matches(msg, m.keys.Back):
		if m.opts.Nav.Back() {
			m.errorText = ""
			m.searching = false
			m.search.Blur()
		}
		m.sync()
		return m, nil
	case key.Matches(msg, m.keys.Refresh):
		for _, required := range nav.RequiredKeys(m.state) {
			m.opts.Refresher.Refresh(required)
		}
		m.statusText = "refreshing " + m.state.Level.String()
		return m, nil
	case key.Matches(msg, m.keys.Pause):
		return m.startCommand(status.CommandPause)
	case key.Matches(msg, m.keys.Resume):
		return m.startCommand(status.CommandResume)
	case key.Matches(msg, m.keys.Cancel):
		return m.startCommand(status.CommandCancel)
	}

	if m.state.Level == nav.Detail {
		switch {
		case key.Matches(msg, m.keys.NextTab):
			m.tab = detailTabs[(int(m.tab)+1)%len(detailTabs)]
			return m, nil
		case key.Matches(msg, m.keys.Search):
			m.tab = tabVariables
			m.searching = true
			cmd := m.search.Focus()
			return m, cmd
		}
		return m, nil
	}

	var cmd tea.Cmd
	switch m.state.Level {
	case nav.Collection:
		m.processTable, cmd = m.processTable.Update(msg)
	case nav.SubCollection:
		m.instanceTable, cmd = m.instanceTable.Update(msg)
	}
	return m, cmd
}

func (m model) handleSearchKey(msg tea.KeyPressMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "enter":
		m.searching = false
		m.search.Blur()
		return m, nil
	}
	var cmd tea.Cmd
	m.search, cmd = m.search.Update(msg)
	return m, cmd
}

func (m model) handleConfirmKey(msg tea.KeyPressMsg) (tea.Model, tea.Cmd) {
	confirmation := *m.pendingCancel
	switch {
	case key.Matches(msg, m.keys.Confirm):
		m.pendingCancel = nil
		m.inFlight++
		m.statusText = "cancelling " + confirmation.InstanceID
		req := command.Request{InstanceID: confirmation.InstanceID, FolderKey: confirmation.FolderKey}
		commands := m.opts.Commands
		return m, func() tea.Msg {
			result, err := commands.Cancel(context.Background(), req, confirmation.Token)
			return commandDoneMsg{command: status.CommandCancel, instanceID: req.InstanceID, result: result, err: err}
		}
	case key.Matches(msg, m.keys.Deny), key.Matches(msg, m.keys.Quit):
		m.pendingCancel = nil
		m.statusText = "cancel aborted"
		return m, nil
	}
	return m, nil
}

// selectRow descends one level from the highlighted row.
func (m *model) selectRow() {
	var err error
	switch m.state.Level {
	case nav.Collection:
		process, ok := m.selectedProcess()
		if !ok {
			return
		}
		err = m.opts.Nav.SelectProcess(process)
		m.instanceTable.SetCursor(0)
	case nav.SubCollection:
		instance, ok := m.selectedInstance()
		if !ok {
			return
		}
		err = m.opts.Nav.SelectInstance(instance)
		m.tab = tabOverview
		m.search.SetValue("")
	default:
		return
	}
	if err != nil {
		m.errorText = err.Error()
		return
	}
	m.errorText = ""
	m.sync()
}

// startCommand targets the highlighted instance in the instance list or the
// open instance in the detail view. Eligibility is left to the dispatcher,
// which rejects without contacting the registry.
func (m model) startCommand(cmd status.Command) (tea.Model, tea.Cmd) {
	req, ok := m.commandTarget()
	if !ok {
		m.errorText = "select an instance first"
		return m, nil
	}

	if cmd == status.CommandCancel {
		confirmation, err := m.opts.Commands.Confirm(req)
		if err != nil {
			m.errorText = commandErrorText(cmd, err)
			return m, nil
		}
		m.pendingCancel = &confirmation
		m.errorText = ""
		m.statusText = fmt.Sprintf("cancel %s? y to confirm, n to keep it", req.InstanceID)
		return m, nil
	}

	m.inFlight++
	m.errorText = ""
	m.statusText = fmt.Sprintf("sending %s for %s", cmd, req.InstanceID)
	commands := m.opts.Commands
	return m, func() tea.Msg {
		var (
			result registry.OperationResult
			err    error
		)
		if cmd == status.CommandPause {
			result, err = commands.Pause(context.Background(), req)
		} else {
			result, err = commands.Resume(context.Background(), req)
		}
		return commandDoneMsg{command: cmd, instanceID: req.InstanceID, result: result, err: err}
	}
}

func (m model) commandTarget() (command.Request, bool) {
	switch m.state.Level {
	case nav.Detail:
		return command.Request{InstanceID: m.state.InstanceID, FolderKey: m.state.FolderKey}, true
	case nav.SubCollection:
		instance, ok := m.selectedInstance()
		if !ok {
			return command.Request{}, false
		}
		return command.Request{InstanceID: instance.InstanceID, FolderKey: m.folderFor(instance)}, true
	default:
		return command.Request{}, false
	}
}

func (m model) folderFor(instance registry.Instance) string {
	if instance.FolderKey != "" {
		return instance.FolderKey
	}
	if folder := m.opts.Nav.Process().FolderKey; folder != "" {
		return folder
	}
	return m.opts.DefaultFolder
}

func commandErrorText(cmd status.Command, err error) string {
	var text string
	switch {
	case errors.Is(err, consoleerr.ErrConfirmationRequired):
		text = "confirmation expired or already used, press x again"
	default:
		text = err.Error()
	}
	return fmt.Sprintf("%s failed: %s", cmd, text)
}

// sync copies the current navigation state and cached collections into the
// model and rebuilds the visible rows.
func (m *model) sync() {
	m.state = m.opts.Nav.State()
	m.processes = resource.ProcessesFrom(m.opts.Store.Get(resource.Processes()))
	m.instances = m.projection.Instances(m.opts.Store.Get(resource.Instances()), m.state.ProcessKey)
	m.rebuildProcessRows()
	m.rebuildInstanceRows()
	if m.inFlight == 0 && m.pendingCancel == nil && strings.HasPrefix(m.statusText, "loading") {
		if entry := m.opts.Store.Get(resource.Processes()); entry.Present() {
			m.statusText = "ready"
		}
	}
}

func (m *model) resizeWidgets() {
	layout := computeLayout(m.width, m.height)
	width := frameWidth(newTheme().panelBox, layout.List.Width)
	height := layout.listRows(5)
	m.processTable.SetColumns(processColumns(width))
	m.processTable.SetHeight(height)
	m.instanceTable.SetColumns(instanceColumns(width))
	m.instanceTable.SetHeight(height)
}

func (m model) selectedProcess() (registry.Process, bool) {
	index := m.processTable.Cursor()
	if index < 0 || index >= len(m.processes) {
		return registry.Process{}, false
	}
	return m.processes[index], true
}

func (m model) selectedInstance() (registry.Instance, bool) {
	index := m.instanceTable.Cursor()
	if index < 0 || index >= len(m.instances) {
		return registry.Instance{}, false
	}
	return m.instances[index], true
}

func (m model) busy() bool {
	return m.inFlight > 0
}
