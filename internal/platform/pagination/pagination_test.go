package pagination

import (
	"errors"
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    Params
		wantErr error
	}{
		{name: "defaults", query: "", want: Params{PageSize: DefaultPageSize}},
		{name: "explicit size", query: "pageSize=2", want: Params{PageSize: 2}},
		{name: "clamped", query: "pageSize=5000", want: Params{PageSize: MaxPageSize}},
		{name: "token", query: "pageToken=" + EncodeToken("pkg_2"), want: Params{PageSize: DefaultPageSize, After: "pkg_2"}},
		{name: "zero size", query: "pageSize=0", wantErr: ErrInvalidPageSize},
		{name: "garbage size", query: "pageSize=ten", wantErr: ErrInvalidPageSize},
		{name: "garbage token", query: "pageToken=!!not-base64", wantErr: ErrInvalidPageToken},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			values, _ := url.ParseQuery(tc.query)
			got, err := Parse(values)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("params mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPageWalksAllItems(t *testing.T) {
	items := []string{"pkg_1", "pkg_2", "pkg_3", "pkg_4", "pkg_5"}
	identity := func(s string) string { return s }

	var seen []string
	params := Params{PageSize: 2}
	for pages := 0; pages < 10; pages++ {
		page, next := Page(items, identity, params)
		seen = append(seen, page...)
		if next == "" {
			break
		}
		after, err := DecodeToken(next)
		if err != nil {
			t.Fatalf("DecodeToken: %v", err)
		}
		params.After = after
	}
	if diff := cmp.Diff(items, seen); diff != "" {
		t.Fatalf("pages mismatch (-want +got):\n%s", diff)
	}
}

func TestPageAfterRemovedKey(t *testing.T) {
	items := []string{"a", "c", "d"}
	page, next := Page(items, func(s string) string { return s }, Params{PageSize: 5, After: "b"})
	if diff := cmp.Diff([]string{"c", "d"}, page); diff != "" || next != "" {
		t.Fatalf("unexpected page %v next=%q", page, next)
	}
}
