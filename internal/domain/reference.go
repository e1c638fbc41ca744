package domain

import "time"

// ReferenceKey identifies one section of cached reference data.
type ReferenceKey string

const (
	ReferenceProjects           ReferenceKey = "projects"
	ReferenceChecklistTemplates ReferenceKey = "checklist_templates"
	ReferenceCaptionPresets     ReferenceKey = "caption_presets"
	ReferenceStaffRoster        ReferenceKey = "staff_roster"
)

// AllReferenceKeys returns every cached section.
func AllReferenceKeys() []ReferenceKey {
	return []ReferenceKey{ReferenceProjects, ReferenceChecklistTemplates, ReferenceCaptionPresets, ReferenceStaffRoster}
}

// Project is a site/project a report can belong to.
type Project struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

// ChecklistTemplateItem is one line of a checklist template.
type ChecklistTemplateItem struct {
	ItemID string `json:"item_id"`
	Label  string `json:"label"`
}

// ChecklistTemplate seeds the checklist of a new report for a category.
type ChecklistTemplate struct {
	ID       string                  `json:"id"`
	Category string                  `json:"category"`
	Items    []ChecklistTemplateItem `json:"items"`
}

// StaffMember is an entry of the staff roster used for attendees.
type StaffMember struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// ReferenceData is the read-only snapshot served by the reference endpoint
// and mirrored in the local cache.
type ReferenceData struct {
	Projects           []Project           `json:"projects"`
	ChecklistTemplates []ChecklistTemplate `json:"checklist_templates"`
	CaptionPresets     []string            `json:"caption_presets"`
	StaffRoster        []StaffMember       `json:"staff_roster"`
	FetchedAt          time.Time           `json:"fetched_at"`
}

// TemplateFor returns the checklist template for category, if any.
func (d *ReferenceData) TemplateFor(category string) (ChecklistTemplate, bool) {
	for _, t := range d.ChecklistTemplates {
		if t.Category == category {
			return t, true
		}
	}
	return ChecklistTemplate{}, false
}

// IsEmpty returns true if no section holds data.
func (d *ReferenceData) IsEmpty() bool {
	return len(d.Projects) == 0 && len(d.ChecklistTemplates) == 0 &&
		len(d.CaptionPresets) == 0 && len(d.StaffRoster) == 0
}
