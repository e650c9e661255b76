package dhcptemplate_test

import (
	"errors"
	"testing"

	"github.com/AdguardTeam/golibs/testutil"
	"github.com/soofff/dhcpserver/internal/dhcptemplate"
)

func TestRenderer_Render(t *testing.T) {
	ctx := dhcptemplate.Context{
		"client_hardware_address": "aa:bb:cc:dd:ee:ff",
		"results": map[string]any{
			"hosts": map[string]any{
				"ip": "192.168.1.5",
			},
			"list": []any{"first", "second"},
		},
	}

	testCases := []struct {
		name     string
		template string
		required bool
		want     string
		wantErr  bool
	}{{
		name:     "simple_path",
		template: "{{ client_hardware_address }}",
		want:     "aa:bb:cc:dd:ee:ff",
	}, {
		name:     "nested_path",
		template: "addr={{ results.hosts.ip }}",
		want:     "addr=192.168.1.5",
	}, {
		name:     "index_path",
		template: "{{ results.list[0] }}",
		want:     "first",
	}, {
		name:     "missing_path_not_required",
		template: "{{ results.hosts.missing }}",
		want:     "",
	}, {
		name:     "missing_path_required",
		template: "{{ results.hosts.missing }}",
		required: true,
		wantErr:  true,
	}, {
		name:     "literal_text",
		template: "static value",
		want:     "static value",
	}}

	r := dhcptemplate.New()

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.Render(tc.template, ctx, tc.required)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Render() = %q, nil, want error", got)
				}

				if !errors.Is(err, dhcptemplate.ErrMissing) {
					t.Errorf("Render() error = %v, want wrapping %v", err, dhcptemplate.ErrMissing)
				}

				return
			}

			testutil.AssertErrorMsg(t, "", err)

			if got != tc.want {
				t.Errorf("Render() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRenderer_Render_requiredPresent(t *testing.T) {
	ctx := dhcptemplate.Context{"client_ip_address": "10.0.0.1"}

	r := dhcptemplate.New()

	got, err := r.Render("{{ client_ip_address }}", ctx, true)
	testutil.AssertErrorMsg(t, "", err)

	if got != "10.0.0.1" {
		t.Errorf("Render() = %q, want %q", got, "10.0.0.1")
	}
}
