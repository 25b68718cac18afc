package roster

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"qrattend/internal/attendance"
)

// seedFile is the on-disk roster format:
//
//	cohorts:
//	  - id: cse-a
//	    attendees:
//	      - {id: s1, roll: "01", name: Asha}
type seedFile struct {
	Cohorts []struct {
		ID        string `yaml:"id"`
		Attendees []struct {
			ID   string `yaml:"id"`
			Roll string `yaml:"roll"`
			Name string `yaml:"name"`
		} `yaml:"attendees"`
	} `yaml:"cohorts"`
}

// LoadFile reads a roster seed file.
func LoadFile(path string) ([]attendance.Attendee, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster %s: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes a roster seed document. Every attendee needs an id and a
// cohort, and may appear only once.
func Parse(b []byte) ([]attendance.Attendee, error) {
	var f seedFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	seen := make(map[string]bool)
	var out []attendance.Attendee
	for _, c := range f.Cohorts {
		cohort := strings.TrimSpace(c.ID)
		if cohort == "" {
			return nil, fmt.Errorf("parse roster: cohort without id")
		}
		for _, a := range c.Attendees {
			id := strings.TrimSpace(a.ID)
			if id == "" {
				return nil, fmt.Errorf("parse roster: attendee without id in cohort %s", cohort)
			}
			if seen[id] {
				return nil, fmt.Errorf("parse roster: attendee %s listed twice", id)
			}
			seen[id] = true
			out = append(out, attendance.Attendee{ID: id, Roll: a.Roll, Name: a.Name, CohortID: cohort})
		}
	}
	return out, nil
}
