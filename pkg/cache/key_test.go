package cache

import (
	"net/url"
	"testing"
)

func TestKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{
			name: "path only",
			key:  Key{Path: "/api/endpoints/3/docker/containers/json"},
			want: "fleet:api/endpoints/3/docker/containers/json",
		},
		{
			name: "empty path",
			key:  Key{Path: "/"},
			want: "fleet",
		},
		{
			name: "query params sorted",
			key: Key{
				Path: "/api/endpoints/3/docker/containers/json",
				QueryParams: url.Values{
					"limit": []string{"10"},
					"all":   []string{"1"},
				},
			},
			want: "fleet:api/endpoints/3/docker/containers/json:all=1:limit=10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKey_Deterministic(t *testing.T) {
	key := Key{
		Path: "/api/endpoints/3/docker/containers/json",
		QueryParams: url.Values{
			"b": []string{"2"},
			"a": []string{"1"},
			"c": []string{"3"},
		},
	}

	first := key.String()
	for i := 0; i < 20; i++ {
		if got := key.String(); got != first {
			t.Fatalf("String() not deterministic: %q != %q", got, first)
		}
	}
}
