package visualization

import (
	"fmt"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"mritoolbox/internal/models"
)

// shades maps normalised intensity to characters, darkest first.
const shades = " .:-=+*#%@"

// Panel size limit in terminal cells.
const maxPanelCells = 40

// Slicer is an interactive orthogonal slicer: one slider per axis, each
// selecting the plane shown in its panel.
type Slicer struct {
	vol      *models.Volume
	dims     [3]int
	min, max float64

	pos    [3]int
	planes [3]Plane
	active int

	snapshotDir string
	status      string

	titleStyle  lipgloss.Style
	activeStyle lipgloss.Style
	panelStyle  lipgloss.Style
	helpStyle   lipgloss.Style
}

// NewSlicer builds a slicer for the first frame of vol. Every slider starts
// at position 1, clamped to the axis extent. Snapshots are written to
// snapshotDir.
func NewSlicer(vol *models.Volume, snapshotDir string) (*Slicer, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	s := &Slicer{
		vol:         vol,
		dims:        vol.Dims3(),
		snapshotDir: snapshotDir,

		titleStyle:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252")),
		activeStyle: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		panelStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
		helpStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
	s.min, s.max = vol.MinMax()
	for axis := range s.pos {
		s.pos[axis] = clamp(1, 0, s.dims[axis]-1)
		if err := s.reslice(axis); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Show runs the slicer in the terminal and blocks until the user quits.
func (s *Slicer) Show() error {
	_, err := tea.NewProgram(s, tea.WithAltScreen()).Run()
	return err
}

// SetPosition moves the slider of axis to pos, clamped to its range, and
// replaces that axis' plane.
func (s *Slicer) SetPosition(axis, pos int) error {
	pos = clamp(pos, 0, s.dims[axis]-1)
	if pos == s.pos[axis] {
		return nil
	}
	s.pos[axis] = pos
	return s.reslice(axis)
}

// Snapshot writes the three current planes to a PNG and returns its path.
func (s *Slicer) Snapshot() (string, error) {
	path := filepath.Join(s.snapshotDir, fmt.Sprintf("slices_%03d_%03d_%03d.png", s.pos[0], s.pos[1], s.pos[2]))
	if err := SaveSnapshot(path, s.planes, s.pos, s.min, s.max); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Slicer) reslice(axis int) error {
	p, err := ExtractPlane(s.vol, axis, s.pos[axis])
	if err != nil {
		return err
	}
	s.planes[axis] = p
	return nil
}

func (s *Slicer) Init() tea.Cmd {
	return nil
}

func (s *Slicer) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return s, nil
	}

	var err error
	switch key.String() {
	case "q", "esc", "ctrl+c":
		return s, tea.Quit
	case "tab", "down", "j":
		s.active = (s.active + 1) % 3
	case "shift+tab", "up", "k":
		s.active = (s.active + 2) % 3
	case "right", "l":
		err = s.SetPosition(s.active, s.pos[s.active]+1)
	case "left", "h":
		err = s.SetPosition(s.active, s.pos[s.active]-1)
	case "pgup":
		err = s.SetPosition(s.active, s.pos[s.active]+10)
	case "pgdown":
		err = s.SetPosition(s.active, s.pos[s.active]-10)
	case "s":
		var path string
		if path, err = s.Snapshot(); err == nil {
			s.status = "saved " + path
		}
	}
	if err != nil {
		s.status = "error: " + err.Error()
	}
	return s, nil
}

func (s *Slicer) View() string {
	var sliders strings.Builder
	for axis := 0; axis < 3; axis++ {
		line := fmt.Sprintf("%-13s %s %3d/%d", axisNames[axis], slider(s.pos[axis], s.dims[axis], 30), s.pos[axis], s.dims[axis]-1)
		if axis == s.active {
			sliders.WriteString(s.activeStyle.Render("> " + line))
		} else {
			sliders.WriteString("  " + line)
		}
		sliders.WriteByte('\n')
	}

	panels := make([]string, 3)
	for axis, p := range s.planes {
		panels[axis] = s.panelStyle.Render(s.titleStyle.Render(axisNames[axis]) + "\n" + s.ascii(p))
	}

	help := s.helpStyle.Render("tab/↑↓ axis  ←→ move  pgup/pgdn jump  s snapshot  q quit")
	out := lipgloss.JoinVertical(lipgloss.Left,
		sliders.String(),
		lipgloss.JoinHorizontal(lipgloss.Top, panels...),
		help,
	)
	if s.status != "" {
		out += "\n" + s.status
	}
	return out
}

// ascii renders p with the top row last in the volume first, downsampled
// to fit a panel.
func (s *Slicer) ascii(p Plane) string {
	step := 1
	for p.Width/step > maxPanelCells || p.Height/step > maxPanelCells {
		step++
	}
	var b strings.Builder
	for r := p.Height - 1; r >= 0; r -= step {
		for c := 0; c < p.Width; c += step {
			b.WriteByte(s.shade(p.At(c, r)))
		}
		if r-step >= 0 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func (s *Slicer) shade(v float64) byte {
	if s.max <= s.min {
		return shades[0]
	}
	i := int((v - s.min) / (s.max - s.min) * float64(len(shades)-1))
	return shades[clamp(i, 0, len(shades)-1)]
}

func slider(pos, extent, width int) string {
	if extent <= 1 {
		return "[" + strings.Repeat("=", width) + "]"
	}
	fill := pos * (width - 1) / (extent - 1)
	return "[" + strings.Repeat("=", fill) + "|" + strings.Repeat("-", width-1-fill) + "]"
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
