package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/lthms/weave/internal/backend"
	"github.com/lthms/weave/internal/kb"
	"github.com/lthms/weave/internal/types"
	"github.com/lthms/weave/internal/vault"
)

// snippetRunes bounds the text stored in the index for each note.
const snippetRunes = 300

func (s *Scheduler) execute(ctx context.Context, t types.Task) error {
	switch t.Kind {
	case types.KindExtract:
		p, ok := t.Payload.(types.ExtractPayload)
		if !ok {
			return errors.New("extract task without source payload")
		}
		return s.extract(ctx, p.SourceID)
	case types.KindOrganize, types.KindReorganize:
		p, ok := t.Payload.(types.OrganizePayload)
		if !ok {
			return fmt.Errorf("%s task without group payload", t.Kind)
		}
		return s.organize(ctx, p, t.Kind == types.KindReorganize)
	case types.KindLink:
		return s.link(ctx, t.Path)
	case types.KindDeduce:
		return s.deduce(ctx, t.Path)
	case types.KindInduce:
		p, ok := t.Payload.(types.InducePayload)
		if !ok {
			return errors.New("induce task without cluster payload")
		}
		return s.induce(ctx, p)
	case types.KindValidate:
		return s.validate(t.Path)
	}
	return fmt.Errorf("unknown task kind %q", t.Kind)
}

func (s *Scheduler) complete(ctx context.Context, prompt string) (string, error) {
	return s.gen.Complete(ctx, []backend.Message{
		{Role: backend.RoleSystem, Content: systemPrompt},
		{Role: backend.RoleUser, Content: prompt},
	}, s.maxTokens)
}

// malformed logs an unparseable response. The task then proceeds as if the
// model returned nothing.
func (s *Scheduler) malformed(kind types.Kind, err error) {
	s.log.Warn("pipeline: discarding model output", "kind", kind, "error", err)
}

func (s *Scheduler) extract(ctx context.Context, id string) error {
	if s.isProcessed(id) {
		s.log.Info("pipeline: source already processed", "source", id)
		return nil
	}
	src, ok, err := s.store.LoadSource(id)
	if err != nil {
		return fmt.Errorf("load source %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("source %s not found", id)
	}

	out, err := s.complete(ctx, fmt.Sprintf(extractPrompt, src.Name, kb.TruncateRunes(src.Text, s.srcChars)))
	if err != nil {
		return err
	}
	drafts, err := parseDrafts(out)
	if err != nil {
		s.malformed(types.KindExtract, err)
	}

	created := 0
	for _, d := range drafts {
		ok, err := s.commit(ctx, vault.Note{
			Meta: vault.Frontmatter{Title: d.Title, Sources: []string{src.RelativePath}, Created: s.today()},
			Body: d.Body,
		}, vault.NotePath(d.Title))
		if err != nil {
			return err
		}
		if ok {
			created++
		}
	}
	s.markProcessed(id)
	s.log.Info("pipeline: source extracted", "source", id, "path", src.RelativePath, "drafts", len(drafts), "created", created)
	return nil
}

// commit writes n at rel and indexes it, unless it duplicates an indexed
// note or a file already sits at rel. It reports whether n was written.
func (s *Scheduler) commit(ctx context.Context, n vault.Note, rel string) (bool, error) {
	title := n.Meta.Title
	snippet := snippetOf(n.Body)
	v := s.index.CheckDuplicate(ctx, title, snippet)
	if v.Duplicate {
		s.log.Info("pipeline: duplicate discarded", "title", title, "match", v.Match, "similarity", v.Similarity)
		return false, nil
	}
	if s.vault.Exists(rel) {
		s.log.Info("pipeline: note file exists, discarded", "title", title, "path", rel)
		return false, nil
	}
	if err := s.vault.Write(rel, n.Render()); err != nil {
		return false, fmt.Errorf("write %s: %w", rel, err)
	}
	s.index.Upsert(kb.Entry{Title: title, Path: rel, Snippet: snippet, Embedding: v.Embedding})
	s.markIndexDirty()
	return true, nil
}

func snippetOf(body string) string {
	if i := strings.Index(body, "\n## Related"); i >= 0 {
		body = body[:i]
	}
	return kb.TruncateRunes(strings.TrimSpace(body), snippetRunes)
}

func (s *Scheduler) today() string {
	return s.now().Format("2006-01-02")
}

// members resolves titles against the index, skipping unknown ones.
func (s *Scheduler) members(titles []string) []kb.Entry {
	var out []kb.Entry
	for _, t := range titles {
		if e, ok := s.index.Get(t); ok {
			out = append(out, e)
		}
	}
	return out
}

func listEntries(entries []kb.Entry) string {
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "- %s: %s\n", e.Title, e.Snippet)
	}
	return sb.String()
}

func (s *Scheduler) organize(ctx context.Context, p types.OrganizePayload, overwrite bool) error {
	members := s.members(p.NoteTitles)
	if len(members) < 2 {
		s.log.Info("pipeline: group too small, skipped", "group", p.Group, "members", len(members))
		return nil
	}

	out, err := s.complete(ctx, fmt.Sprintf(organizePrompt, listEntries(members)))
	if err != nil {
		return err
	}
	cn, err := parseClusterNote(out)
	if err != nil {
		s.malformed(types.KindOrganize, err)
		return nil
	}

	titles := titlesOf(members)
	var body strings.Builder
	body.WriteString(cn.Summary)
	body.WriteString("\n\n## Notes\n\n")
	for _, t := range titles {
		fmt.Fprintf(&body, "- [[%s]]\n", t)
	}
	n := vault.Note{
		Meta: vault.Frontmatter{Title: cn.Title, Type: vault.TypeMOC, DerivedFrom: titles, Created: s.today()},
		Body: body.String(),
	}
	rel := vault.MOCPath(cn.Title)

	if existing, ok := s.index.Get(cn.Title); ok && overwrite && vault.IsIndexNote(existing.Path) {
		rel = existing.Path
		if err := s.vault.Write(rel, n.Render()); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
		snippet := snippetOf(n.Body)
		s.index.Upsert(kb.Entry{Title: cn.Title, Path: rel, Snippet: snippet, Embedding: s.index.Embed(ctx, cn.Title, snippet)})
		s.markIndexDirty()
		s.log.Info("pipeline: cluster note rewritten", "title", cn.Title, "path", rel, "members", len(titles))
		return nil
	}

	written, err := s.commit(ctx, n, rel)
	if err != nil {
		return err
	}
	if written {
		s.log.Info("pipeline: cluster note created", "title", cn.Title, "path", rel, "members", len(titles))
	}
	return nil
}

// readNote loads rel and fills in the title from the file name when the
// frontmatter has none. A broken frontmatter is logged and the text is
// treated as body.
// readNote loads and parses rel. A note with unreadable frontmatter is
// returned with vault.ErrFrontmatter; callers must not write it back.
func (s *Scheduler) readNote(rel string) (vault.Note, error) {
	text, err := s.vault.Read(rel)
	if err != nil {
		return vault.Note{}, err
	}
	n, err := vault.ParseNote(text)
	if n.Meta.Title == "" {
		n.Meta.Title = vault.TitleFromPath(rel)
	}
	return n, err
}

// skipUnreadable reports whether err means rel must be left alone.
func (s *Scheduler) skipUnreadable(rel string, err error) bool {
	if !errors.Is(err, vault.ErrFrontmatter) {
		return false
	}
	s.log.Warn("pipeline: unreadable frontmatter, note left untouched", "path", rel, "error", err)
	return true
}

// relatedTo returns up to topK indexed notes relevant to n, excluding n.
func (s *Scheduler) relatedTo(ctx context.Context, n vault.Note) []kb.Entry {
	query := n.Meta.Title + "\n" + snippetOf(n.Body)
	var out []kb.Entry
	for _, e := range s.index.Relevant(ctx, query, s.topK+1) {
		if e.Title == n.Meta.Title {
			continue
		}
		out = append(out, e)
		if len(out) == s.topK {
			break
		}
	}
	return out
}

func noteText(n vault.Note) string {
	return "# " + n.Meta.Title + "\n\n" + strings.TrimSpace(n.Body)
}

func (s *Scheduler) link(ctx context.Context, rel string) error {
	n, err := s.readNote(rel)
	if s.skipUnreadable(rel, err) {
		return nil
	}
	if err != nil {
		return err
	}
	candidates := s.relatedTo(ctx, n)
	if len(candidates) == 0 {
		return nil
	}

	out, err := s.complete(ctx, fmt.Sprintf(linkPrompt, noteText(n), listEntries(candidates)))
	if err != nil {
		return err
	}
	picked, err := parseTitles(out)
	if err != nil {
		s.malformed(types.KindLink, err)
		return nil
	}

	allowed := titlesOf(candidates)
	var related []string
	for _, t := range picked {
		t = strings.TrimSpace(t)
		if slices.Contains(allowed, t) && !slices.Contains(related, t) {
			related = append(related, t)
		}
	}
	n.Body = vault.SetRelated(n.Body, related)
	if err := s.vault.Write(rel, n.Render()); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	s.log.Debug("pipeline: links updated", "path", rel, "related", len(related))
	return nil
}

func (s *Scheduler) deduce(ctx context.Context, rel string) error {
	n, err := s.readNote(rel)
	if err != nil && !errors.Is(err, vault.ErrFrontmatter) {
		return err
	}
	related := s.relatedTo(ctx, n)
	out, err := s.complete(ctx, fmt.Sprintf(deducePrompt, noteText(n), listEntries(related)))
	if err != nil {
		return err
	}
	parents := append([]string{n.Meta.Title}, titlesOf(related)...)
	return s.commitDerived(ctx, types.KindDeduce, out, parents)
}

func (s *Scheduler) induce(ctx context.Context, p types.InducePayload) error {
	members := s.members(p.NoteTitles)
	if len(members) < 2 {
		s.log.Info("pipeline: cluster too small, skipped", "cluster", p.ClusterSummary, "members", len(members))
		return nil
	}
	out, err := s.complete(ctx, fmt.Sprintf(inducePrompt, p.ClusterSummary, listEntries(members)))
	if err != nil {
		return err
	}
	return s.commitDerived(ctx, types.KindInduce, out, titlesOf(members))
}

// commitDerived commits every draft in out with parents as its lineage.
func (s *Scheduler) commitDerived(ctx context.Context, kind types.Kind, out string, parents []string) error {
	drafts, err := parseDrafts(out)
	if err != nil {
		s.malformed(kind, err)
		return nil
	}
	var errs []error
	for _, d := range drafts {
		ok, err := s.commit(ctx, vault.Note{
			Meta: vault.Frontmatter{Title: d.Title, DerivedFrom: parents, Created: s.today()},
			Body: d.Body,
		}, vault.NotePath(d.Title))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			s.log.Info("pipeline: note derived", "kind", kind, "title", d.Title)
		}
	}
	return errors.Join(errs...)
}

// validate drops wikilinks to notes that do not exist and makes sure the
// frontmatter names the note. The file is rewritten only when it changed.
func (s *Scheduler) validate(rel string) error {
	text, err := s.vault.Read(rel)
	if err != nil {
		return err
	}
	n, err := vault.ParseNote(text)
	if s.skipUnreadable(rel, err) {
		return nil
	}
	changed := false
	if n.Meta.Title == "" {
		n.Meta.Title = vault.TitleFromPath(rel)
		changed = true
	}
	body, dropped := vault.DropLinks(n.Body, s.linkExists)
	if dropped > 0 {
		n.Body = body
		changed = true
	}
	if !changed {
		return nil
	}
	if err := s.vault.Write(rel, n.Render()); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	s.log.Info("pipeline: note repaired", "path", rel, "dropped_links", dropped)
	return nil
}

// linkExists resolves a wikilink target the way Obsidian does: by note
// name anywhere in the vault (case-insensitive), or by vault-relative path.
func (s *Scheduler) linkExists(target string) bool {
	if _, ok := s.index.Get(target); ok {
		return true
	}
	if s.noteNames == nil {
		if err := s.loadNoteNames(); err != nil {
			s.log.Warn("pipeline: list notes for link check", "error", err)
			return true
		}
	}
	return s.noteNames[noteName(target)] || s.vault.Exists(target+".md")
}

// loadNoteNames records the name of every markdown file in the vault.
func (s *Scheduler) loadNoteNames() error {
	paths, err := s.vault.ListMarkdownFiles()
	if err != nil {
		return err
	}
	s.noteNames = make(map[string]bool, len(paths))
	for _, p := range paths {
		s.noteNames[noteName(p)] = true
	}
	return nil
}

// noteName is the lower-cased file name of rel without ".md".
func noteName(rel string) string {
	return strings.ToLower(strings.TrimSuffix(path.Base(rel), ".md"))
}
