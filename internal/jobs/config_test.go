package jobs

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validJobs = `[
  {
    "JobName": "Extract",
    "Description": "Pull the overnight files",
    "Group": "Nightly",
    "RunSchedule": {"RunAt": "02:30,now+5", "RunOnDays": "mon,tue", "ExclusionCalendar": "Holidays", "Timezone": "Europe/London"},
    "ExecutableName": "extract.sh",
    "Parameters": "--all",
    "Retries": 2,
    "WarnAfter": 10,
    "TerminateAfter": 30
  },
  {
    "JobName": "Load",
    "Group": "Nightly",
    "ExecutableName": "load.sh",
    "RunOnSuccessOf": {"Group": "Nightly", "JobName": "Extract"}
  },
  {
    "JobName": "Alert",
    "Group": "Ops",
    "ExecutableName": "page.sh",
    "RunOnFailureOf": {"Group": "Nightly", "JobName": "Extract"},
    "RunOnCompletionOf": {"Group": "Nightly", "JobName": "Load"}
  }
]`

func TestDecodeDefinitionsValid(t *testing.T) {
	t.Parallel()
	defs, err := DecodeDefinitions([]byte(validJobs))
	require.NoError(t, err)
	require.Len(t, defs, 3)

	extract := defs[0]
	assert.Equal(t, "Nightly.Extract", extract.Key())
	assert.Equal(t, 2, extract.Retries)
	require.NotNil(t, extract.RunSchedule)
	assert.Equal(t, "mon,tue", extract.RunSchedule.RunOnDays)
	assert.Nil(t, defs[1].RunSchedule)
	assert.Equal(t, ID("Nightly", "Extract"), *defs[1].RunOnSuccessOf)
}

func TestDecodeDefinitionsRejectsBlankFields(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "blank group",
			doc:  `[{"JobName":"A","Group":"G","ExecutableName":"x"},{"JobName":"B","Group":"  ","ExecutableName":"x"}]`,
			want: "Failed to create job defintions from config - one or more of the jobs has a blank or missing Group value",
		},
		{
			name: "missing group",
			doc:  `[{"JobName":"A","ExecutableName":"x"}]`,
			want: "Failed to create job defintions from config - one or more of the jobs has a blank or missing Group value",
		},
		{
			name: "blank name",
			doc:  `[{"JobName":"","Group":"G","ExecutableName":"x"}]`,
			want: "Failed to create job defintions from config - one or more of the jobs has a blank or missing JobName value",
		},
		{
			name: "negative retries",
			doc:  `[{"JobName":"A","Group":"G","ExecutableName":"x","Retries":-1}]`,
			want: "Failed to create job definitions from config - job 'A' has a negative Retries value",
		},
		{
			name: "negative terminate after",
			doc:  `[{"JobName":"A","Group":"G","ExecutableName":"x","WarnAfter":0,"TerminateAfter":-5}]`,
			want: "Failed to create job definitions from config - job 'A' has a negative TerminateAfter value",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			defs, err := DecodeDefinitions([]byte(tt.doc))
			require.Error(t, err)
			assert.Nil(t, defs, "no partial result")
			assert.Equal(t, tt.want, err.Error())
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestDecodeDefinitionsRejectsDanglingDependency(t *testing.T) {
	t.Parallel()
	doc := `[
	  {"JobName":"A","Group":"G","ExecutableName":"x"},
	  {"JobName":"B","Group":"G","ExecutableName":"x","RunOnSuccessOf":{"Group":"G","JobName":"Missing"}}
	]`
	defs, err := DecodeDefinitions([]byte(doc))
	require.Error(t, err)
	assert.Nil(t, defs)
	assert.Equal(t, "Failed to create job definitions from config - job 'B' has a dependency 'Missing' that does not exist", err.Error())
}

func TestDependencyMustMatchGroupToo(t *testing.T) {
	t.Parallel()
	defs := []Definition{
		{Name: "A", Group: "G1"},
		{Name: "B", Group: "G1", RunOnFailureOf: &Identifier{Group: "G2", Name: "A"}},
	}
	err := ValidateDefinitions(defs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job 'B' has a dependency 'A'")
}

func TestDependencyCheckOrder(t *testing.T) {
	t.Parallel()
	defs := []Definition{{
		Name:              "B",
		Group:             "G",
		RunOnSuccessOf:    &Identifier{Group: "G", Name: "S"},
		RunOnFailureOf:    &Identifier{Group: "G", Name: "F"},
		RunOnCompletionOf: &Identifier{Group: "G", Name: "C"},
	}}
	err := ValidateDefinitions(defs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency 'C'")

	defs[0].RunOnCompletionOf = nil
	err = ValidateDefinitions(defs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency 'F'")
}

func TestDecodeDefinitionsRejectsMalformedJSON(t *testing.T) {
	t.Parallel()
	for _, doc := range []string{`{`, `[{"JobName":"A","Group":"G","Bogus":1}]`, `[] []`} {
		_, err := DecodeDefinitions([]byte(doc))
		if err == nil {
			t.Fatalf("DecodeDefinitions(%q) succeeded", doc)
		}
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("error %v does not wrap ErrInvalidConfig", err)
		}
	}
}

func TestReadDefinitions(t *testing.T) {
	t.Parallel()
	defs, err := ReadDefinitions(strings.NewReader(validJobs))
	require.NoError(t, err)
	assert.Len(t, defs, 3)
}

func TestDecodeCalendars(t *testing.T) {
	t.Parallel()
	doc := `[{"CalendarName":"Holidays","Action":"Exclude","Dates":["2017-12-25T00:00:00","2018-01-01"]}]`
	cals, err := DecodeCalendars([]byte(doc))
	require.NoError(t, err)
	require.Len(t, cals, 1)
	assert.Equal(t, []Date{{2017, time.December, 25}, {2018, time.January, 1}}, cals[0].Dates)

	_, err = DecodeCalendars([]byte(`[{"CalendarName":" ","Action":"exclude","Dates":[]}]`))
	require.Error(t, err)
	assert.Equal(t, "Failed to create calendars from config - one or more of the calendars has a blank or missing CalendarName value", err.Error())

	_, err = DecodeCalendars([]byte(`[{"CalendarName":"X","Dates":[]}]`))
	require.Error(t, err)
	assert.Equal(t, "Failed to create calendars from config - one or more of the calendars has a blank or missing Action value", err.Error())
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	defs, err := DecodeDefinitions([]byte(validJobs))
	require.NoError(t, err)

	for _, d := range defs {
		b, err := json.Marshal(d)
		require.NoError(t, err)
		var back Definition
		require.NoError(t, json.Unmarshal(b, &back))
		assert.True(t, d.Equal(back), "round trip changed %s", d.Key())
	}

	rs := RunSchedule{RunAt: "10:00", RunOnDays: "sa,su", Timezone: "UTC"}
	b, err := json.Marshal(rs)
	require.NoError(t, err)
	var rsBack RunSchedule
	require.NoError(t, json.Unmarshal(b, &rsBack))
	assert.True(t, rs.Equal(&rsBack))

	cal := CalendarDefinition{CalendarName: "Holidays", Action: "exclude", Dates: []Date{{2024, time.December, 25}}}
	b, err = json.Marshal(cal)
	require.NoError(t, err)
	var calBack CalendarDefinition
	require.NoError(t, json.Unmarshal(b, &calBack))
	assert.True(t, cal.Equal(calBack))
}
