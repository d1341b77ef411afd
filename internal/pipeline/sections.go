package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"generation-orchestrator/internal/models"
)

type sectionDef struct {
	key   string
	title string
}

// The fixed prefix of every document, in canonical order.
var fixedSections = []sectionDef{
	{"header", "Header"},
	{"professional_summary", "Professional Summary"},
	{"core_competencies", "Core Competencies"},
	{"technical_skills", "Technical Skills"},
	{"soft_skills", "Soft Skills"},
	{"education", "Education"},
	{"certifications", "Certifications"},
	{"languages", "Languages"},
}

const (
	experienceKey         = "experience"
	experienceOverviewKey = "experience_overview"
)

// BuildSections expands a document request into ordered sections: the fixed
// prefix, then an experience overview and one section per experience entry.
func (o *Orchestrator) BuildSections(req models.DocumentRequest) []models.SectionRequest {
	base := models.SectionPayload{Subject: req.Subject, Target: req.Target}
	sections := make([]models.SectionRequest, 0, len(fixedSections)+o.cfg.MaxExperienceSections+1)
	for _, def := range fixedSections {
		sections = append(sections, models.SectionRequest{Key: def.key, Title: def.title, Payload: base})
	}

	experience := o.experienceSections(req.Subject, base)
	if len(experience) > 0 {
		sections = append(sections, models.SectionRequest{
			Key:     experienceOverviewKey,
			Title:   "Experience Overview",
			Payload: base,
		})
		sections = append(sections, experience...)
	}

	for i := range sections {
		sections[i].Order = i
	}
	sort.SliceStable(sections, func(i, j int) bool { return sections[i].Order < sections[j].Order })
	return sections
}

func (o *Orchestrator) experienceSections(subject map[string]any, base models.SectionPayload) []models.SectionRequest {
	entries, ok := experienceEntries(subject[experienceKey])
	if !ok {
		out := make([]models.SectionRequest, 0, o.cfg.DefaultExperienceSections)
		for i := 0; i < o.cfg.DefaultExperienceSections; i++ {
			p := base
			p.EntryIndex = i
			out = append(out, models.SectionRequest{
				Key:     fmt.Sprintf("experience_%d", i+1),
				Title:   fmt.Sprintf("Experience %d", i+1),
				Payload: p,
			})
		}
		return out
	}

	if len(entries) > o.cfg.MaxExperienceSections {
		entries = entries[:o.cfg.MaxExperienceSections]
	}
	out := make([]models.SectionRequest, 0, len(entries))
	for i, entry := range entries {
		p := base
		p.Entry = entry
		p.EntryIndex = i
		out = append(out, models.SectionRequest{
			Key:     fmt.Sprintf("experience_%d", i+1),
			Title:   experienceTitle(entry, i),
			Payload: p,
		})
	}
	return out
}

// experienceEntries reports false when v is not a list, so the caller falls
// back to the default section count. Non-object items become empty entries.
func experienceEntries(v any) ([]map[string]any, bool) {
	switch list := v.(type) {
	case []map[string]any:
		return list, true
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, item := range list {
			m, _ := item.(map[string]any)
			out = append(out, m)
		}
		return out, true
	default:
		return nil, false
	}
}

func experienceTitle(entry map[string]any, i int) string {
	role, _ := entry["title"].(string)
	if role == "" {
		role, _ = entry["role"].(string)
	}
	company, _ := entry["company"].(string)
	switch {
	case role != "" && company != "":
		return fmt.Sprintf("Experience: %s at %s", role, company)
	case role != "" || company != "":
		return "Experience: " + strings.TrimSpace(role+company)
	default:
		return fmt.Sprintf("Experience %d", i+1)
	}
}

// checkSections rejects lists the pipeline cannot reassemble unambiguously.
func checkSections(sections []models.SectionRequest) error {
	if len(sections) == 0 {
		return ErrNoSections
	}
	seen := make(map[int]string, len(sections))
	for _, s := range sections {
		if strings.TrimSpace(s.Key) == "" {
			return fmt.Errorf("%w: section at order %d has no key", ErrInvalidRequest, s.Order)
		}
		if prev, dup := seen[s.Order]; dup {
			return fmt.Errorf("%w: %d used by %q and %q", ErrDuplicateOrder, s.Order, prev, s.Key)
		}
		seen[s.Order] = s.Key
	}
	return nil
}
