package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeValue(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"plain", "tas", "tas"},
		{"wildcard passes through", "tas*", "tas*"},
		{"colon escaped", "a:b", `a\:b`},
		{"path slashes escaped", "/arch/data.nc", `\/arch\/data.nc`},
		{"range brackets escaped", "[a]", `\[a\]`},
		{"regex passes through", "/tas|pr/", "/tas|pr/"},
		{"boolean operators escaped", "a&&b||c", `a\&&b\||c`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, escapeValue(tt.value))
		})
	}
}

func TestExpandBraces(t *testing.T) {
	assert.Equal(t, []string{"tas", "pr", "uas"}, expandBraces("{tas,pr,uas}"))
	assert.Equal(t, []string{"tas"}, expandBraces("tas"))
	assert.Equal(t, []string{"{}"}, expandBraces("{}"))
	assert.Equal(t, []string{"a", "b"}, expandBraces("{ a , b }"))
}

func TestJoinFacetQueries(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		values  []string
		wantPos string
		wantNeg string
	}{
		{"lowercases plain values", "model", []string{"MPI-ESM"}, `mpi\-esm`, ""},
		{"uniq key keeps case", "file", []string{"/Arch/Tas.nc"}, `\/Arch\/Tas.nc`, ""},
		{"not prefix negates", "model", []string{"not mpi-esm"}, "", `mpi\-esm`},
		{"bang prefix negates", "model", []string{"!mpi-esm"}, "", `mpi\-esm`},
		{"dash prefix negates", "model", []string{"-mpi-esm"}, "", `mpi\-esm`},
		{"not key suffix negates", "model_not_", []string{"mpi-esm"}, "", `mpi\-esm`},
		{"mixed values split", "variable", []string{"tas", "!pr"}, "tas", "pr"},
		{"brace expansion joins with OR", "variable", []string{"{tas,pr}"}, "tas OR pr", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos, neg := joinFacetQueries(tt.key, tt.values)
			assert.Equal(t, tt.wantPos, pos)
			assert.Equal(t, tt.wantNeg, neg)
		})
	}
}

func TestTimeFilter(t *testing.T) {
	tests := []struct {
		name       string
		spec       string
		timeSelect string
		want       string
		wantErr    bool
	}{
		{
			name: "full range flexible",
			spec: "2000-01-01T00:00 to 2010-12-31T23:59",
			want: "{!field f=time op=Intersects}[2000-01-01T00:00:00 TO 2010-12-31T23:59:00]",
		},
		{
			name: "partial timestamps complete with minimum components",
			spec: "2000 to 2016-10",
			want: "{!field f=time op=Intersects}[2000-01-01T00:00:00 TO 2016-10-01T00:00:00]",
		},
		{
			name: "single timestamp queries the instant",
			spec: "2000-02",
			want: "{!field f=time op=Intersects}[2000-02-01T00:00:00 TO 2000-02-01T00:00:00]",
		},
		{
			name: "open start",
			spec: "to 2010",
			want: "{!field f=time op=Intersects}[0001-01-01T00:00:00 TO 2010-01-01T00:00:00]",
		},
		{
			name: "open end",
			spec: "2010 to",
			want: "{!field f=time op=Intersects}[2010-01-01T00:00:00 TO 9999-12-31T23:59:59]",
		},
		{
			name:       "strict select",
			spec:       "2000 to 2010",
			timeSelect: "strict",
			want:       "{!field f=time op=Within}[2000-01-01T00:00:00 TO 2010-01-01T00:00:00]",
		},
		{
			name:       "time of day survives the separator search",
			spec:       "2016-09-02T22:15 to 2016-10",
			timeSelect: "strict",
			want:       "{!field f=time op=Within}[2016-09-02T22:15:00 TO 2016-10-01T00:00:00]",
		},
		{
			name: "lowercase separator spelling",
			spec: "2016-09-02t22:15 TO 2016-10",
			want: "{!field f=time op=Intersects}[2016-09-02T22:15:00 TO 2016-10-01T00:00:00]",
		},
		{
			name:       "file select",
			spec:       "2000 to 2010",
			timeSelect: "file",
			want:       "{!field f=time op=Contains}[2000-01-01T00:00:00 TO 2010-01-01T00:00:00]",
		},
		{name: "empty spec yields no filter", spec: "", want: ""},
		{name: "bad select", spec: "2000", timeSelect: "fuzzy", wantErr: true},
		{name: "bad timestamp", spec: "the-other-day", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := timeFilter(tt.spec, tt.timeSelect)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBboxFilter(t *testing.T) {
	tests := []struct {
		name       string
		spec       string
		bboxSelect string
		want       string
		wantErr    bool
	}{
		{
			name: "simple box",
			spec: "-10,10,-5,5",
			want: `bbox:"Intersects(ENVELOPE(-10,10,5,-5))"`,
		},
		{
			name:       "strict select",
			spec:       "0,20,0,10",
			bboxSelect: "strict",
			want:       `bbox:"Within(ENVELOPE(0,20,10,0))"`,
		},
		{
			name: "antimeridian box splits into two envelopes",
			spec: "170,-170,-10,10",
			want: `bbox:"Intersects(ENVELOPE(170,180,10,-10))" OR bbox:"Intersects(ENVELOPE(-180,-170,10,-10))"`,
		},
		{name: "empty spec yields no filter", spec: "", want: ""},
		{name: "wrong arity", spec: "1,2,3", wantErr: true},
		{name: "longitude out of range", spec: "-200,10,0,10", wantErr: true},
		{name: "latitude out of range", spec: "0,10,0,95", wantErr: true},
		{name: "not a number", spec: "a,b,c,d", wantErr: true},
		{name: "bad select", spec: "0,1,0,1", bboxSelect: "exact", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bboxFilter(tt.spec, tt.bboxSelect)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
