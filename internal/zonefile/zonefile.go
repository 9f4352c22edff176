package zonefile

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// Record is one resource record in normalized form: absolute lowercase FQDN
// name without the trailing dot, priority split out for MX/SRV the same way
// row-based backends store it.
type Record struct {
	Name    string
	Type    string
	Content string
	TTL     uint32
	Prio    int
	HasPrio bool
}

// Fqdn returns the zone origin with a trailing dot.
func Fqdn(zoneName string) string {
	return dns.Fqdn(strings.ToLower(zoneName))
}

// Normalize prepares raw zone text for parsing and storage: injects $ORIGIN
// and $TTL directives when the panel omits them, then validates the result.
// The returned text is what gets persisted and fanned out to backends.
func Normalize(zoneData, zoneName string) (string, error) {
	origin := Fqdn(zoneName)

	if !strings.Contains(zoneData, "$ORIGIN") {
		zoneData = fmt.Sprintf("$ORIGIN %s\n%s", origin, zoneData)
	}
	if !strings.Contains(zoneData, "$TTL") {
		zoneData = fmt.Sprintf("$TTL 300\n%s", zoneData)
	}

	if _, err := Parse(zoneData, zoneName); err != nil {
		return "", err
	}
	return zoneData, nil
}

// Parse reads RFC 1035 zone text and returns the IN-class records. Both
// @-relative and absolute names are accepted; the SOA is one record like any
// other.
func Parse(zoneData, zoneName string) ([]Record, error) {
	origin := Fqdn(zoneName)

	zp := dns.NewZoneParser(strings.NewReader(zoneData), origin, "")
	zp.SetDefaultTTL(300)

	var records []Record
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		hdr := rr.Header()
		if hdr.Class != dns.ClassINET {
			continue
		}
		records = append(records, fromRR(rr, origin))
	}
	if err := zp.Err(); err != nil {
		return nil, fmt.Errorf("parse zone %s: %w", zoneName, err)
	}
	return records, nil
}

// CountRecords returns the number of IN-class records in the zone text. This
// is the reference count used to verify backend writes.
func CountRecords(zoneData, zoneName string) (int, error) {
	records, err := Parse(zoneData, zoneName)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// HasSOA reports whether the zone text carries an SOA record.
func HasSOA(zoneData, zoneName string) bool {
	records, err := Parse(zoneData, zoneName)
	if err != nil {
		return false
	}
	for _, r := range records {
		if r.Type == "SOA" {
			return true
		}
	}
	return false
}

func fromRR(rr dns.RR, origin string) Record {
	hdr := rr.Header()
	rec := Record{
		Name: strings.TrimSuffix(strings.ToLower(hdr.Name), "."),
		Type: dns.TypeToString[hdr.Rrtype],
		TTL:  hdr.Ttl,
	}

	content := strings.TrimSpace(strings.TrimPrefix(rr.String(), hdr.String()))

	switch hdr.Rrtype {
	case dns.TypeMX:
		if parts := strings.SplitN(content, " ", 2); len(parts) == 2 {
			fmt.Sscanf(parts[0], "%d", &rec.Prio)
			rec.HasPrio = true
			content = parts[1]
		}
	case dns.TypeSRV:
		if parts := strings.SplitN(content, " ", 2); len(parts) == 2 {
			fmt.Sscanf(parts[0], "%d", &rec.Prio)
			rec.HasPrio = true
			content = parts[1]
		}
	}

	rec.Content = trimTargetDot(hdr.Rrtype, content)
	return rec
}

// trimTargetDot strips the trailing root dot from hostname-valued contents so
// in-zone targets are stored as absolute FQDNs the way row-based backends
// expect them.
func trimTargetDot(rrtype uint16, content string) string {
	switch rrtype {
	case dns.TypeCNAME, dns.TypeNS, dns.TypeMX, dns.TypePTR, dns.TypeSRV:
		return strings.TrimSuffix(content, ".")
	case dns.TypeSOA:
		parts := strings.Fields(content)
		for i := 0; i < 2 && i < len(parts); i++ {
			parts[i] = strings.TrimSuffix(parts[i], ".")
		}
		return strings.Join(parts, " ")
	default:
		return content
	}
}
