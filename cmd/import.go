/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/josephgoksu/NoteWing/internal/memory"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var importCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Import markdown notes with YAML front matter",
	Long: `Walk a directory of markdown files and store each one as a note for the
given owner. Front matter fields title, category, type, tags, created and
updated are honored; created/updated are kept as the note's original
timestamps. Every imported note is enqueued for enrichment, which runs the
next time 'notewing serve' or 'notewing worker' is up.

Example front matter:
  ---
  title: Call with Acme
  category: work
  tags: [sales, acme]
  created: 2024-03-01T09:30:00Z
  ---`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := requireOwner(cmd)
		if err != nil {
			return err
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		settings, store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		report, err := importNotes(cmd.Context(), afero.NewOsFs(), args[0], owner, store, settings.Pipeline.MaxAttempts, dryRun)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Fprintf(out, "%s %d notes from %s (%d skipped)\n", verb, report.Imported, args[0], len(report.Skipped))
		for _, s := range report.Skipped {
			fmt.Fprintf(out, "  skipped %s\n", s)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().String("owner", "", "owner the imported notes belong to")
	importCmd.Flags().Bool("dry-run", false, "parse files without storing anything")
}

// frontMatter is the YAML header of an imported markdown file.
type frontMatter struct {
	Title    string    `yaml:"title"`
	Category string    `yaml:"category"`
	Type     string    `yaml:"type"`
	Tags     []string  `yaml:"tags"`
	Created  time.Time `yaml:"created"`
	Updated  time.Time `yaml:"updated"`
}

var errEmptyNote = errors.New("note has no content")

// parseNoteFile turns a markdown file into an unsaved note. The title comes
// from front matter, then the first "# " heading, then the file name.
func parseNoteFile(name string, data []byte) (*memory.Note, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")

	var fm frontMatter
	body := text
	if rest, ok := strings.CutPrefix(text, "---\n"); ok {
		header, after, found := strings.Cut("\n"+rest, "\n---")
		if !found {
			return nil, errors.New("unterminated front matter")
		}
		if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
			return nil, fmt.Errorf("parse front matter: %w", err)
		}
		// Drop the rest of the closing delimiter line.
		if _, tail, ok := strings.Cut(after, "\n"); ok {
			body = tail
		} else {
			body = ""
		}
	}

	body = strings.TrimSpace(body)
	if body == "" {
		return nil, errEmptyNote
	}

	n := &memory.Note{
		Title:    strings.TrimSpace(fm.Title),
		Content:  body,
		Category: strings.TrimSpace(fm.Category),
		Type:     strings.TrimSpace(fm.Type),
		Tags:     fm.Tags,
	}
	if n.Title == "" {
		n.Title = headingTitle(body)
	}
	if n.Title == "" {
		n.Title = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}
	if !fm.Created.IsZero() {
		t := fm.Created.UTC()
		n.OriginalCreatedAt = &t
	}
	if !fm.Updated.IsZero() {
		t := fm.Updated.UTC()
		n.OriginalUpdatedAt = &t
	}
	return n, nil
}

func headingTitle(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if title, ok := strings.CutPrefix(line, "# "); ok {
			return strings.TrimSpace(title)
		}
		if line != "" {
			return ""
		}
	}
	return ""
}

type importStore interface {
	CreateNote(ctx context.Context, n *memory.Note) error
	Enqueue(ctx context.Context, noteID, owner string, priority, maxAttempts int) (*memory.QueueEntry, error)
}

type importReport struct {
	Imported int
	Notes    []*memory.Note
	Skipped  []string
}

// importNotes stores every markdown file under dir as a note of owner and
// enqueues it. Files that fail to parse are reported and skipped; a store
// failure aborts the import.
func importNotes(ctx context.Context, fsys afero.Fs, dir, owner string, store importStore, maxAttempts int, dryRun bool) (*importReport, error) {
	report := &importReport{}
	err := afero.Walk(fsys, dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != dir && strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".md", ".markdown":
		default:
			return nil
		}

		data, err := afero.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		note, err := parseNoteFile(path, data)
		if err != nil {
			report.Skipped = append(report.Skipped, fmt.Sprintf("%s: %v", path, err))
			return nil
		}
		note.Owner = owner
		report.Notes = append(report.Notes, note)
		if dryRun {
			report.Imported++
			return nil
		}

		if err := store.CreateNote(ctx, note); err != nil {
			return fmt.Errorf("store %s: %w", path, err)
		}
		if _, err := store.Enqueue(ctx, note.ID, owner, 0, maxAttempts); err != nil {
			return fmt.Errorf("enqueue %s: %w", path, err)
		}
		report.Imported++
		slog.Debug("note imported", "path", path, "note", note.ID)
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("import %s: %w", dir, err)
	}
	return report, nil
}
