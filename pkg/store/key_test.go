package store

import "testing"

func TestKey_String(t *testing.T) {
	tests := []struct {
		name      string
		key       Key
		wantDoc   string
		wantIndex string
	}{
		{
			name:      "default prefix",
			key:       Key{Collection: "users", ID: "5a1f"},
			wantDoc:   "intercom:users:doc:5a1f",
			wantIndex: "intercom:users:ids",
		},
		{
			name:      "custom prefix",
			key:       Key{Prefix: "staging", Collection: "tags", ID: "42"},
			wantDoc:   "staging:tags:doc:42",
			wantIndex: "staging:tags:ids",
		},
		{
			name:      "id named like the index suffix",
			key:       Key{Collection: "tags", ID: "ids"},
			wantDoc:   "intercom:tags:doc:ids",
			wantIndex: "intercom:tags:ids",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.wantDoc {
				t.Errorf("Key.String() = %v, want %v", got, tt.wantDoc)
			}
			if got := tt.key.IndexKey(); got != tt.wantIndex {
				t.Errorf("Key.IndexKey() = %v, want %v", got, tt.wantIndex)
			}
		})
	}
}
