package tui

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"infochat/internal/domain"
	"infochat/internal/insights"
)

// Model is the Bubble Tea model for the interactive query screen.
type Model struct {
	retriever domain.Retriever
	topK      int
	diversity bool
	input     textinput.Model
	viewport  viewport.Model
	results   []domain.SearchResult
	answer    insights.Answer
	insights  insights.Insights
	summary   string
	status    string
	cursor    int
	ready     bool
	lastQuery string
}

// New creates a TUI model over retriever. summary is shown under the header.
func New(retriever domain.Retriever, topK int, diversity bool, summary string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Type query and press Enter (Tab toggles MMR)"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return Model{
		retriever: retriever,
		topK:      topK,
		diversity: diversity,
		input:     ti,
		viewport:  vp,
		summary:   summary,
		status:    "Loaded. Type to search.",
	}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update handles key and window events and updates the view state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		// account for frames around result and query boxes
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		totalHeaderLines := 3                                    // header + summary + insights
		totalFooterLines := 1                                    // status
		reserved := totalHeaderLines + totalFooterLines + qh + 1 // 1 spacer
		vh := msg.Height - reserved
		if vh < 3 {
			vh = 3
		}
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, vh-rh)
		m.viewport.SetContent(m.renderCurrentResult())
		return m, nil
	case tea.KeyMsg:
		// Global quits
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q != "" {
				m.runQuery(q)
				return m, nil
			}
		case "tab":
			m.diversity = !m.diversity
			m.status = "Diversity (MMR) " + onOff(m.diversity)
			if m.lastQuery != "" {
				m.runQuery(m.lastQuery)
			}
			return m, nil
		case "down":
			if len(m.results) > 0 {
				m.cursor = (m.cursor + 1) % len(m.results)
				m.viewport.SetContent(m.renderCurrentResult())
				return m, nil
			}
		case "up":
			if len(m.results) > 0 {
				m.cursor = (m.cursor - 1 + len(m.results)) % len(m.results)
				m.viewport.SetContent(m.renderCurrentResult())
				return m, nil
			}
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) runQuery(q string) {
	res, err := m.retriever.Retrieve(context.Background(), q, m.topK, m.diversity)
	if err != nil {
		m.status = "Error: " + err.Error()
		m.results = nil
		m.insights = insights.Insights{}
	} else {
		m.status = fmt.Sprintf("%d results for %q (MMR %s)", len(res), q, onOff(m.diversity))
		m.results = res
		m.answer = insights.Extractive(res)
		m.insights = insights.Generate(res)
		m.cursor = 0
		m.lastQuery = q
	}
	m.viewport.SetContent(m.renderCurrentResult())
}

// View renders the TUI layout and current result.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("InfoChat Retrieval")
	summary := dimStyle.Render(m.summary)
	terms := dimStyle.Render(renderInsights(m.insights))
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + summary + "\n" + terms + "\n" + results + "\n" + input + "\n" + status
}

func (m Model) renderCurrentResult() string {
	if len(m.results) == 0 {
		if m.lastQuery != "" {
			return insights.NoAnswer
		}
		return "No results yet."
	}
	r := m.results[m.cursor]
	title := fmt.Sprintf("Result %d/%d  score=%.3f", m.cursor+1, len(m.results), r.Score)
	source := dimStyle.Render(fmt.Sprintf("%s  %s", r.Chunk.Title, r.Chunk.URL))
	body := highlightBestSentence(r.Chunk.Text, m.lastQuery)
	out := title + "\n" + source + "\n\n" + body
	if m.cursor == 0 && len(m.answer.Sources) > 1 {
		out += "\n\n" + dimStyle.Render(fmt.Sprintf("%d sources", len(m.answer.Sources)))
	}
	if m.cursor == 0 && len(m.results) > 1 && m.answer.Summary != "" {
		out += "\n\n" + dimStyle.Render("Summary: "+m.answer.Summary)
	}
	return out
}

func renderInsights(in insights.Insights) string {
	if len(in.CommonTerms) == 0 {
		return ""
	}
	terms := make([]string, len(in.CommonTerms))
	for i, tc := range in.CommonTerms {
		terms[i] = fmt.Sprintf("%s(%d)", tc.Term, tc.Count)
	}
	return fmt.Sprintf("%d sources · %s", in.SourcesCount, strings.Join(terms, " "))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	unicodeWordRe  = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)
	sentenceRe     = regexp.MustCompile(`[^.!?]+[.!?]+|[^.!?]+$`)
)

func highlightBestSentence(text, query string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	sentences := sentenceRe.FindAllString(text, -1)
	if len(sentences) == 0 {
		sentences = []string{strings.TrimSpace(text)}
	}
	qTokens := toTokenSet(query)
	if len(qTokens) == 0 {
		return joinTrimmed(sentences)
	}
	bestIdx := 0
	bestScore := -1
	for i, s := range sentences {
		score := tokenOverlapScore(qTokens, s)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	for i := range sentences {
		sent := strings.TrimSpace(sentences[i])
		if i == bestIdx {
			sentences[i] = highlightStyle.Render(sent)
		} else {
			sentences[i] = sent
		}
	}
	return strings.Join(sentences, " ")
}

func joinTrimmed(sentences []string) string {
	out := make([]string, len(sentences))
	for i, s := range sentences {
		out[i] = strings.TrimSpace(s)
	}
	return strings.Join(out, " ")
}

func toTokenSet(s string) map[string]struct{} {
	tokens := unicodeWordRe.FindAllString(strings.ToLower(s), -1)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func tokenOverlapScore(queryTokens map[string]struct{}, sentence string) int {
	score := 0
	tokens := unicodeWordRe.FindAllString(strings.ToLower(sentence), -1)
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := queryTokens[t]; ok {
			score++
		}
	}
	return score
}
