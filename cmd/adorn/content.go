package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wehubfusion/Adorn/pkg/document"
)

// loadDocument reads an article. Markdown files are rendered; anything else
// is taken as HTML.
func loadDocument(path string) (document.Document, document.FrontMatter, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return document.Document{}, document.FrontMatter{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return document.FromMarkdown(src)
	default:
		return document.New(string(src)), document.FrontMatter{}, nil
	}
}

func newAnchorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "anchors FILE",
		Short: "List the heading anchors of an article",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, fm, err := loadDocument(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if fm.Title != "" {
				fmt.Fprintf(out, "# %s\n", fm.Title)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LEVEL\tINDEX\tSLUG\tTEXT")
			for _, a := range doc.Anchors() {
				fmt.Fprintf(w, "h%d\t%d\t%s\t%s\n", a.Level, a.Index, a.Slug, a.Text)
			}
			return w.Flush()
		},
	}
}

// markOptions are the content flags shared by mark and simulate.
type markOptions struct {
	afterHeadings []int
	level         int
	every         int
	pattern       string
	video         bool
	stripCTA      []string
	noStrip       bool
	rewriteLinks  bool
}

func (m *markOptions) register(cmd *cobra.Command) {
	cmd.Flags().IntSliceVar(&m.afterHeadings, "after-heading", []int{1}, "1-based heading occurrences to place after")
	cmd.Flags().IntVar(&m.level, "level", 2, "Heading level for --after-heading")
	cmd.Flags().IntVar(&m.every, "every", 0, "Place after every Nth --pattern match")
	cmd.Flags().StringVar(&m.pattern, "pattern", "", "Regular expression selecting feed items for --every")
	cmd.Flags().BoolVar(&m.video, "video", false, "Also place after sample video embeds")
	cmd.Flags().StringSliceVar(&m.stripCTA, "strip-cta", nil, "Call-to-action link texts to remove (default: built-in list)")
	cmd.Flags().BoolVar(&m.noStrip, "no-strip", false, "Keep call-to-action blocks")
	cmd.Flags().BoolVar(&m.rewriteLinks, "rewrite-links", true, "Open affiliate links in a new tab")
}

func (m *markOptions) specs() ([]document.AnchorSpec, error) {
	var specs []document.AnchorSpec
	if len(m.afterHeadings) > 0 {
		spec := document.AfterHeadings(m.afterHeadings...)
		spec.Level = m.level
		specs = append(specs, spec)
	}
	if m.every > 0 {
		if m.pattern == "" {
			return nil, fmt.Errorf("--every requires --pattern")
		}
		re, err := regexp.Compile(m.pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid --pattern: %w", err)
		}
		specs = append(specs, document.EveryNth(re, m.every))
	}
	if m.video {
		specs = append(specs, document.AfterVideoEmbed())
	}
	return specs, nil
}

// transform applies the content clean-up passes.
func (m *markOptions) transform(doc document.Document) document.Document {
	if !m.noStrip {
		doc = document.StripCallToAction(doc, m.stripCTA...)
	}
	if m.rewriteLinks {
		doc = document.RewriteAffiliateLinks(doc)
	}
	return doc
}

func newMarkCmd() *cobra.Command {
	var opts markOptions
	cmd := &cobra.Command{
		Use:   "mark FILE",
		Short: "Print the article with placement markers inserted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, _, err := loadDocument(args[0])
			if err != nil {
				return err
			}
			specs, err := opts.specs()
			if err != nil {
				return err
			}
			doc = opts.transform(doc)
			for _, spec := range specs {
				spec.Prefix = cfg.MarkerPrefix
				doc, _ = document.InsertMarkers(doc, spec)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), doc.Text())
			return err
		},
	}
	opts.register(cmd)
	return cmd
}
