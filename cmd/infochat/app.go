package main

import (
	"github.com/urfave/cli/v3"
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "infochat",
		Usage: "Build and query a retrieval index over scraped documents",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to YAML config file (uses ./config.yaml or ~/.config/infochat/config.yaml if not provided)",
			},
			&cli.StringFlag{
				Name:  "env",
				Usage: "Environment file with API keys",
				Value: ".env",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log at debug level",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "build",
				Usage:     "Chunk documents, embed them and save the index",
				ArgsUsage: "[file.txt ...]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "docstore",
						Usage: "JSONL docstore to index (defaults to the configured docstore unless .txt files are given)",
					},
					&cli.StringFlag{
						Name:  "index",
						Usage: "Output index directory (defaults to the configured index_dir)",
					},
					&cli.StringFlag{
						Name:  "export-docstore",
						Usage: "Also write the loaded documents to this JSONL docstore",
					},
				},
				Action: buildAction,
			},
			{
				Name:      "query",
				Usage:     "Retrieve the best chunks for a question",
				ArgsUsage: "<question>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "index",
						Usage: "Index directory (defaults to the configured index_dir)",
					},
					&cli.IntFlag{
						Name:  "top-k",
						Usage: "Number of results (defaults to retrieval.top_k)",
					},
					&cli.BoolFlag{
						Name:  "no-diversity",
						Usage: "Disable MMR re-ranking",
					},
					&cli.FloatFlag{
						Name:  "diversity",
						Usage: "MMR relevance weight between 0 and 1 (defaults to retrieval.mmr_diversity)",
						Value: -1,
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Print results as JSON",
					},
				},
				Action: queryAction,
			},
			{
				Name:      "tui",
				Usage:     "Interactive search over a saved index, or over .txt files indexed in memory",
				ArgsUsage: "[file.txt ...]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "index",
						Usage: "Index directory (defaults to the configured index_dir)",
					},
				},
				Action: tuiAction,
			},
			{
				Name:  "inspect",
				Usage: "Show entry count, dimension and embedder of a saved index",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "index",
						Usage: "Index directory (defaults to the configured index_dir)",
					},
				},
				Action: inspectAction,
			},
		},
	}
}
