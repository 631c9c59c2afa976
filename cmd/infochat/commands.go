package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v3"

	"infochat/internal/config"
	"infochat/internal/docsource"
	"infochat/internal/domain"
	"infochat/internal/index"
	"infochat/internal/insights"
	"infochat/internal/tui"
)

func loadDocuments(a *app, cmd *cli.Command) ([]domain.Document, error) {
	if cmd.Args().Len() > 0 {
		return docsource.LoadTextFiles(cmd.Args().Slice())
	}
	path := cmd.String("docstore")
	if path == "" {
		path = a.cfg.Docstore
	}
	return docsource.LoadDocstore(path)
}

func buildAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	docs, err := loadDocuments(a, cmd)
	if err != nil {
		return err
	}
	if p := cmd.String("export-docstore"); p != "" {
		if err := docsource.SaveDocstore(p, docs); err != nil {
			return fmt.Errorf("export docstore: %w", err)
		}
		a.logger.Info().Str("path", p).Int("documents", len(docs)).Msg("docstore exported")
	}
	stats, err := a.svc.Ingest(ctx, docs)
	if err != nil {
		return fmt.Errorf("ingest failed: %w", err)
	}
	dir := a.indexDir(cmd)
	if err := a.svc.Save(ctx, dir); err != nil {
		return fmt.Errorf("save index: %w", err)
	}
	fmt.Fprintf(cmd.Root().Writer, "Indexed %d documents as %d chunks into %s (%s)\n", stats.Documents, stats.Chunks, dir, stats.Took.Round(time.Millisecond))
	return nil
}

func queryAction(ctx context.Context, cmd *cli.Command) error {
	question := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if question == "" {
		return errors.New("usage: infochat query <question>")
	}
	var overrides []func(*config.AppConfig)
	if d := cmd.Float("diversity"); d >= 0 {
		overrides = append(overrides, func(c *config.AppConfig) { c.Retrieval.MMRDiversity = &d })
	}
	a, err := setup(cmd, overrides...)
	if err != nil {
		return err
	}
	if err := a.svc.Load(ctx, a.indexDir(cmd)); err != nil {
		return fmt.Errorf("load index: %w", err)
	}
	useDiversity := a.cfg.Retrieval.UseDiversity && !cmd.Bool("no-diversity")
	if cmd.IsSet("diversity") && !cmd.Bool("no-diversity") {
		useDiversity = true
	}
	results, err := a.svc.Retrieve(ctx, question, int(cmd.Int("top-k")), useDiversity)
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return writeJSON(cmd.Root().Writer, question, results)
	}
	writeText(cmd.Root().Writer, results)
	return nil
}

type jsonResult struct {
	Chunk domain.Chunk `json:"chunk"`
	Score float32      `json:"score"`
}

func writeJSON(w io.Writer, question string, results []domain.SearchResult) error {
	out := struct {
		Query    string            `json:"query"`
		Results  []jsonResult      `json:"results"`
		Answer   insights.Answer   `json:"answer"`
		Insights insights.Insights `json:"insights"`
	}{Query: question, Results: make([]jsonResult, len(results)), Answer: insights.Extractive(results), Insights: insights.Generate(results)}
	for i, r := range results {
		out.Results[i] = jsonResult{Chunk: r.Chunk, Score: r.Score}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writeText(w io.Writer, results []domain.SearchResult) {
	ans := insights.Extractive(results)
	fmt.Fprintf(w, "%s\n", ans.Text)
	if len(results) == 0 {
		return
	}
	if len(results) > 1 {
		fmt.Fprintf(w, "\nSummary: %s\n", ans.Summary)
	}
	fmt.Fprintln(w, "\nPassages:")
	for i, p := range ans.Passages {
		fmt.Fprintf(w, "%2d. [%.3f] %s\n    %s\n", i+1, p.Score, p.Source.Title, p.Text)
	}
	fmt.Fprintln(w, "\nSources:")
	for _, s := range ans.Sources {
		fmt.Fprintf(w, "  - %s <%s>\n", s.Title, s.URL)
	}
	in := insights.Generate(results)
	if len(in.CommonTerms) > 0 {
		terms := make([]string, len(in.CommonTerms))
		for i, tc := range in.CommonTerms {
			terms[i] = fmt.Sprintf("%s(%d)", tc.Term, tc.Count)
		}
		fmt.Fprintf(w, "\nCommon terms: %s\n", strings.Join(terms, ", "))
	}
}

func tuiAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	var summary string
	if cmd.Args().Len() > 0 {
		docs, err := docsource.LoadTextFiles(cmd.Args().Slice())
		if err != nil {
			return err
		}
		stats, err := a.svc.Ingest(ctx, docs)
		if err != nil {
			return fmt.Errorf("ingest failed: %w", err)
		}
		summary = fmt.Sprintf("%d documents, %d chunks", stats.Documents, stats.Chunks)
	} else {
		dir := a.indexDir(cmd)
		if err := a.svc.Load(ctx, dir); err != nil {
			return fmt.Errorf("load index: %w", err)
		}
		st := a.svc.Stats()
		summary = fmt.Sprintf("%s: %d chunks, %s embeddings (dim %d)", dir, st.Entries, st.Embedder, st.Dimension)
	}
	m := tui.New(a.svc, a.cfg.Retrieval.TopK, a.cfg.Retrieval.UseDiversity, summary)
	_, err = tea.NewProgram(m, tea.WithContext(ctx)).Run()
	return err
}

func inspectAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	dir := a.indexDir(cmd)
	m, err := index.Inspect(dir)
	if err != nil {
		return err
	}
	embedder := m.Embedder
	if embedder == "" {
		embedder = "unknown"
	}
	entries := strconv.Itoa(m.Count)
	if m.Remote {
		entries = "kept by the " + a.cfg.VectorStore.Type + " backend"
	}
	fmt.Fprintf(cmd.Root().Writer, "index:     %s\nentries:   %s\ndimension: %d\nembedder:  %s\n", dir, entries, m.Dimension, embedder)
	if _, err := os.Stat(a.cfg.Docstore); err == nil {
		fmt.Fprintf(cmd.Root().Writer, "docstore:  %s\n", a.cfg.Docstore)
	}
	return nil
}
