package filter

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/devpouya/swissnews/internal/model"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name    string
		item    Item
		filters []model.Filter
		want    bool
	}{
		{
			name:    "no filters passes everything",
			item:    Item{Title: "Wetter", Content: "Sonnig"},
			filters: nil,
			want:    true,
		},
		{
			name: "include keyword matches",
			item: Item{Title: "Bundesrat genehmigt Budget", Content: "Der Bundesrat hat entschieden."},
			filters: []model.Filter{
				{Kind: model.FilterInclude, Scope: model.ScopeAll, Value: "bundesrat"},
			},
			want: true,
		},
		{
			name: "include keyword no match",
			item: Item{Title: "FC Basel siegt", Content: "Derby gewonnen"},
			filters: []model.Filter{
				{Kind: model.FilterInclude, Scope: model.ScopeAll, Value: "bundesrat"},
			},
			want: false,
		},
		{
			name: "include is case insensitive",
			item: Item{Title: "CONSEIL FÉDÉRAL", Content: ""},
			filters: []model.Filter{
				{Kind: model.FilterInclude, Scope: model.ScopeAll, Value: "conseil fédéral"},
			},
			want: true,
		},
		{
			name: "exclude keyword blocks",
			item: Item{Title: "Publireportage: Ferien im Tessin", Content: "Jetzt buchen"},
			filters: []model.Filter{
				{Kind: model.FilterExclude, Scope: model.ScopeAll, Value: "publireportage"},
			},
			want: false,
		},
		{
			name: "include and exclude both match, exclude wins",
			item: Item{Title: "Bundesrat Quiz", Content: "Gewinnspiel"},
			filters: []model.Filter{
				{Kind: model.FilterInclude, Scope: model.ScopeAll, Value: "bundesrat"},
				{Kind: model.FilterExclude, Scope: model.ScopeAll, Value: "gewinnspiel"},
			},
			want: false,
		},
		{
			name: "multiple includes OR logic",
			item: Item{Title: "Gran Consiglio ticinese", Content: ""},
			filters: []model.Filter{
				{Kind: model.FilterInclude, Scope: model.ScopeAll, Value: "bundesrat"},
				{Kind: model.FilterInclude, Scope: model.ScopeAll, Value: "consiglio"},
			},
			want: true,
		},
		{
			name: "regex include matches",
			item: Item{Title: "Abstimmung vom 9. Juni", Content: ""},
			filters: []model.Filter{
				{Kind: model.FilterIncludeRe, Scope: model.ScopeTitle, Value: `abstimmung|votation`},
			},
			want: true,
		},
		{
			name: "regex exclude blocks",
			item: Item{Title: "Live-Ticker: Eishockey", Content: ""},
			filters: []model.Filter{
				{Kind: model.FilterExcludeRe, Scope: model.ScopeTitle, Value: `^live.?ticker`},
			},
			want: false,
		},
		{
			name: "regex is case insensitive",
			item: Item{Title: "VOTATION fédérale", Content: ""},
			filters: []model.Filter{
				{Kind: model.FilterIncludeRe, Scope: model.ScopeAll, Value: `votation\s+f`},
			},
			want: true,
		},
		{
			name: "scope title ignores content",
			item: Item{Title: "Wahlen", Content: "Bundesrat äussert sich"},
			filters: []model.Filter{
				{Kind: model.FilterInclude, Scope: model.ScopeTitle, Value: "bundesrat"},
			},
			want: false,
		},
		{
			name: "scope content ignores title",
			item: Item{Title: "Sponsored: Neue Uhr", Content: "Ein Bericht"},
			filters: []model.Filter{
				{Kind: model.FilterExclude, Scope: model.ScopeContent, Value: "sponsored"},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := Compile(tt.filters)
			if err != nil {
				t.Fatalf("Compile() error = %v", err)
			}
			got := set.Match(tt.item)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Match() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTitleOnly(t *testing.T) {
	tests := []struct {
		name    string
		filters []model.Filter
		want    bool
	}{
		{name: "none", want: true},
		{
			name: "title rules",
			filters: []model.Filter{
				{Kind: model.FilterExclude, Scope: model.ScopeTitle, Value: "publireportage"},
				{Kind: model.FilterIncludeRe, Scope: model.ScopeTitle, Value: `^wahlen`},
			},
			want: true,
		},
		{
			name: "content rule",
			filters: []model.Filter{
				{Kind: model.FilterExclude, Scope: model.ScopeTitle, Value: "publireportage"},
				{Kind: model.FilterExclude, Scope: model.ScopeContent, Value: "in zusammenarbeit mit"},
			},
			want: false,
		},
		{
			name:    "all scope",
			filters: []model.Filter{{Kind: model.FilterInclude, Scope: model.ScopeAll, Value: "bundesrat"}},
			want:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := Compile(tt.filters)
			if err != nil {
				t.Fatalf("Compile() error = %v", err)
			}
			if got := set.TitleOnly(); got != tt.want {
				t.Errorf("TitleOnly() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		filters []model.Filter
		wantErr bool
	}{
		{name: "none", filters: nil},
		{
			name: "valid mix",
			filters: []model.Filter{
				{Kind: model.FilterInclude, Scope: model.ScopeTitle, Value: "bundesrat"},
				{Kind: model.FilterExcludeRe, Scope: model.ScopeAll, Value: `live.?ticker`},
			},
		},
		{
			name:    "bad regex",
			filters: []model.Filter{{Kind: model.FilterIncludeRe, Scope: model.ScopeAll, Value: "*bad"}},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			filters: []model.Filter{{Kind: "maybe", Scope: model.ScopeAll, Value: "x"}},
			wantErr: true,
		},
		{
			name:    "unknown scope",
			filters: []model.Filter{{Kind: model.FilterInclude, Scope: "summary", Value: "x"}},
			wantErr: true,
		},
		{
			name:    "empty value",
			filters: []model.Filter{{Kind: model.FilterExclude, Scope: model.ScopeAll, Value: " "}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.filters)
			if diff := cmp.Diff(tt.wantErr, err != nil); diff != "" {
				t.Errorf("Validate() error mismatch (-want +got):\n%s\nerr: %v", diff, err)
			}
		})
	}
}

func TestValidateRegex(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantErr bool
	}{
		{name: "valid simple", pattern: "bundesrat"},
		{name: "valid alternation", pattern: "abstimmung|votation|votazione"},
		{name: "invalid unclosed bracket", pattern: "[invalid", wantErr: true},
		{name: "invalid bad repetition", pattern: "*bad", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRegex(tt.pattern)
			if diff := cmp.Diff(tt.wantErr, err != nil); diff != "" {
				t.Errorf("ValidateRegex() error mismatch (-want +got):\n%s\nerr: %v", diff, err)
			}
		})
	}
}
