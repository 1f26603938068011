package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wolfman30/groundguard/internal/patterns"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(patterns.MustDefault())

	tests := []struct {
		name             string
		text             string
		tenantRegion     string
		wantRegulated    bool
		wantJurisdiction string
		wantDomains      []string
		wantSensitive    []string
	}{
		{
			name:             "named US code section",
			text:             "Does NEC 210.8 require GFCI protection for a garage receptacle?",
			tenantRegion:     "ca",
			wantRegulated:    true,
			wantJurisdiction: JurisdictionUS,
			wantDomains:      []string{"electrical"},
		},
		{
			name:             "Canadian indicator",
			text:             "What does the Ontario electrical code say about bonding a gas line?",
			tenantRegion:     "us",
			wantRegulated:    true,
			wantJurisdiction: JurisdictionCanada,
			wantDomains:      []string{"electrical"},
		},
		{
			name:             "falls back to tenant region",
			text:             "Is a permit needed to replace a water heater?",
			tenantRegion:     "CA",
			wantRegulated:    true,
			wantJurisdiction: JurisdictionCanada,
			wantDomains:      []string{"plumbing"},
		},
		{
			name:             "unknown tenant region accepts both",
			text:             "Is this up to code?",
			tenantRegion:     "",
			wantRegulated:    true,
			wantJurisdiction: JurisdictionBoth,
			wantDomains:      []string{DomainGeneral},
		},
		{
			name:             "both regions named",
			text:             "How do NEC and CEC differ on the plumbing code for bonding?",
			tenantRegion:     "us",
			wantRegulated:    true,
			wantJurisdiction: JurisdictionBoth,
			wantDomains:      []string{"electrical", "plumbing"},
		},
		{
			name:             "plain troubleshooting question",
			text:             "The furnace blower runs but the burners never light",
			tenantRegion:     "us",
			wantJurisdiction: JurisdictionNone,
			wantDomains:      []string{"climate-control"},
		},
		{
			name:             "error code is not a building code",
			text:             "Thermostat shows error code E4",
			tenantRegion:     "us",
			wantJurisdiction: JurisdictionNone,
			wantDomains:      []string{"climate-control"},
		},
		{
			name:             "warranty question is sensitive",
			text:             "Is the compressor still covered under warranty?",
			tenantRegion:     "us",
			wantJurisdiction: JurisdictionNone,
			wantDomains:      []string{"climate-control"},
			wantSensitive:    []string{"warranty"},
		},
		{
			name:             "safety and liability",
			text:             "Is it safe to work on the panel energized, and am I liable?",
			tenantRegion:     "us",
			wantJurisdiction: JurisdictionNone,
			wantDomains:      []string{"electrical"},
			wantSensitive:    []string{"safety", "liability"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.text, tt.tenantRegion)
			assert.Equal(t, tt.wantRegulated, got.IsRegulatedQuery)
			assert.Equal(t, tt.wantJurisdiction, got.Jurisdiction)
			assert.Equal(t, tt.wantDomains, got.Domains)
			assert.Equal(t, tt.wantSensitive, got.SensitiveTopics)
			assert.Equal(t, len(tt.wantSensitive) > 0, got.Sensitive)
		})
	}
}

func TestRegulationBodies(t *testing.T) {
	c := NewClassifier(patterns.MustDefault())

	us := c.RegulationBodies(JurisdictionUS)
	assert.Contains(t, us, "NEC")
	assert.NotContains(t, us, "CEC")

	ca := c.RegulationBodies(JurisdictionCanada)
	assert.Contains(t, ca, "CSA")
	assert.NotContains(t, ca, "NEC")

	both := c.RegulationBodies(JurisdictionBoth)
	assert.Len(t, both, len(us)+len(ca))
	assert.Equal(t, "NEC", both[0])

	assert.Nil(t, c.RegulationBodies(JurisdictionNone))
}
