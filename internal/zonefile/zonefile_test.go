package zonefile

import (
	"strings"
	"testing"
)

const sampleZone = `$TTL 300
@	IN	SOA	ns1.example.com.	hostmaster.example.com. (
		2024010101
		3600
		900
		604800
		300 )
@	IN	NS	ns1.example.com.
@	IN	NS	ns2.example.com.
@	IN	A	203.0.113.10
www	IN	A	203.0.113.10
mail	IN	A	203.0.113.20
@	IN	MX	10 mail
*.wild	IN	A	203.0.113.30
alias	IN	CNAME	@
`

func TestParse(t *testing.T) {
	records, err := Parse(sampleZone, "example.com")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(records) != 9 {
		t.Fatalf("expected 9 records, got %d", len(records))
	}

	byType := make(map[string][]Record)
	for _, r := range records {
		byType[r.Type] = append(byType[r.Type], r)
	}

	if len(byType["SOA"]) != 1 {
		t.Errorf("expected exactly one SOA, got %d", len(byType["SOA"]))
	}
	if len(byType["NS"]) != 2 {
		t.Errorf("expected 2 NS records, got %d", len(byType["NS"]))
	}
	if len(byType["A"]) != 4 {
		t.Errorf("expected 4 A records, got %d", len(byType["A"]))
	}
}

func TestParseRelativeNamesBecomeAbsolute(t *testing.T) {
	records, err := Parse(sampleZone, "example.com")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	for _, r := range records {
		if strings.HasSuffix(r.Name, ".") {
			t.Errorf("record name has trailing dot: %q", r.Name)
		}
		if !strings.HasSuffix(r.Name, "example.com") {
			t.Errorf("record name not absolute: %q", r.Name)
		}
	}
}

func TestParseMXPriority(t *testing.T) {
	records, err := Parse(sampleZone, "example.com")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	var mx *Record
	for i := range records {
		if records[i].Type == "MX" {
			mx = &records[i]
		}
	}
	if mx == nil {
		t.Fatal("no MX record parsed")
	}
	if !mx.HasPrio || mx.Prio != 10 {
		t.Errorf("expected MX prio 10, got %d (hasPrio=%v)", mx.Prio, mx.HasPrio)
	}
	if mx.Content != "mail.example.com" {
		t.Errorf("expected absolute MX target without trailing dot, got %q", mx.Content)
	}
}

func TestParseApexCNAMETarget(t *testing.T) {
	records, err := Parse(sampleZone, "example.com")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	for _, r := range records {
		if r.Type != "CNAME" {
			continue
		}
		if r.Content != "example.com" {
			t.Errorf("apex CNAME target should be absolute FQDN, got %q", r.Content)
		}
		return
	}
	t.Fatal("no CNAME record parsed")
}

func TestParseWildcard(t *testing.T) {
	records, err := Parse(sampleZone, "example.com")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	found := false
	for _, r := range records {
		if r.Name == "*.wild.example.com" {
			found = true
		}
	}
	if !found {
		t.Error("wildcard record not preserved")
	}
}

func TestCountRecords(t *testing.T) {
	tests := []struct {
		name     string
		zone     string
		origin   string
		expected int
	}{
		{
			name:     "full zone",
			zone:     sampleZone,
			origin:   "example.com",
			expected: 9,
		},
		{
			name: "soa only",
			zone: "$TTL 300\n@ IN SOA ns1.example.com. hostmaster.example.com. 1 3600 900 604800 300\n",
			origin:   "example.com",
			expected: 1,
		},
		{
			name: "comments and blanks ignored",
			zone: "$TTL 300\n; a comment\n\n@ IN SOA ns1.example.com. h.example.com. 1 2 3 4 5\n\n@ IN A 192.0.2.1 ; trailing comment\n",
			origin:   "example.com",
			expected: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CountRecords(tt.zone, tt.origin)
			if err != nil {
				t.Fatalf("count failed: %v", err)
			}
			if got != tt.expected {
				t.Errorf("expected %d records, got %d", tt.expected, got)
			}
		})
	}
}

func TestNormalizeInjectsDirectives(t *testing.T) {
	raw := "@ IN SOA ns1.example.com. h.example.com. 1 2 3 4 5\n@ IN A 192.0.2.1\n"
	normalized, err := Normalize(raw, "example.com")
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if !strings.Contains(normalized, "$ORIGIN example.com.") {
		t.Error("normalized zone missing $ORIGIN")
	}
	if !strings.Contains(normalized, "$TTL 300") {
		t.Error("normalized zone missing $TTL")
	}

	// Record count must survive normalization.
	before, err := CountRecords(raw, "example.com")
	if err != nil {
		t.Fatalf("count raw: %v", err)
	}
	after, err := CountRecords(normalized, "example.com")
	if err != nil {
		t.Fatalf("count normalized: %v", err)
	}
	if before != after {
		t.Errorf("record count changed by normalization: %d != %d", before, after)
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	if _, err := Normalize("this is not a zone file {{{", "example.com"); err == nil {
		t.Error("expected error for malformed zone text")
	}
}

func TestHasSOA(t *testing.T) {
	if !HasSOA(sampleZone, "example.com") {
		t.Error("expected SOA in sample zone")
	}
	if HasSOA("$TTL 300\n@ IN A 192.0.2.1\n", "example.com") {
		t.Error("did not expect SOA in A-only zone")
	}
}
