package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	HashVersionV1 = "v1"

	// CertifiedTimestampLayout is the ISO-8601 UTC millisecond layout used
	// inside fingerprints.
	CertifiedTimestampLayout = "2006-01-02T15:04:05.000Z"

	truncatedHashLength = 16
)

// GenesisHash is the previous hash of every tenant's first entry.
var GenesisHash = strings.Repeat("0", 64)

// DeriveHash fingerprints snapshot chained to previousHash. An empty
// previousHash stands for the genesis hash.
func DeriveHash(snapshot SaleSnapshot, previousHash string) (string, error) {
	payload, err := HashPayload(snapshot, previousHash)
	if err != nil {
		return "", err
	}
	return sha256Hex(payload), nil
}

// HashPayload returns the exact bytes DeriveHash digests.
func HashPayload(snapshot SaleSnapshot, previousHash string) ([]byte, error) {
	version := snapshot.Version
	if version == "" {
		version = HashVersionV1
	}
	if version != HashVersionV1 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedHashVersion, version)
	}
	if previousHash == "" {
		previousHash = GenesisHash
	}

	buf := &bytes.Buffer{}
	fields := []string{
		version,
		snapshot.OrgID.String(),
		snapshot.SaleID.String(),
		snapshot.Gross.StringFixed(2),
		snapshot.Net.StringFixed(2),
		snapshot.CompletedAt.UTC().Format(CertifiedTimestampLayout),
		snapshot.PaymentMethod,
	}
	for _, field := range fields {
		buf.WriteString(field)
		buf.WriteByte('|')
	}
	writeCanonicalLines(buf, snapshot.Lines)
	buf.WriteByte('|')
	buf.WriteString(previousHash)
	return buf.Bytes(), nil
}

// CanonicalLines renders lines as the canonical JSON array used in v1
// fingerprints.
func CanonicalLines(lines []LineSnapshot) string {
	buf := &bytes.Buffer{}
	writeCanonicalLines(buf, lines)
	return buf.String()
}

func writeCanonicalLines(buf *bytes.Buffer, lines []LineSnapshot) {
	ordered := make([]LineSnapshot, len(lines))
	copy(ordered, lines)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].LineNo != ordered[j].LineNo {
			return ordered[i].LineNo < ordered[j].LineNo
		}
		return ordered[i].SKU < ordered[j].SKU
	})

	buf.WriteByte('[')
	for i, line := range ordered {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		writeKVNumber(buf, "line_no", int64(line.LineNo), false)
		writeKV(buf, "sku", line.SKU, false)
		writeKV(buf, "label", line.Label, false)
		writeKV(buf, "quantity", line.Quantity.StringFixed(3), false)
		writeKV(buf, "unit_price", line.UnitPrice.StringFixed(2), false)
		writeKV(buf, "vat_rate", line.VATRate.StringFixed(2), false)
		writeKV(buf, "gross", line.Gross.StringFixed(2), true)
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
}

// TruncateHash shortens a hash for list views.
func TruncateHash(hash string) string {
	if len(hash) <= truncatedHashLength {
		return hash
	}
	return hash[:truncatedHashLength]
}

func sha256Hex(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

func writeKV(buf *bytes.Buffer, key, value string, last bool) {
	writeJSONString(buf, key)
	buf.WriteByte(':')
	writeJSONString(buf, value)
	if !last {
		buf.WriteByte(',')
	}
}

func writeKVNumber(buf *bytes.Buffer, key string, value int64, last bool) {
	writeJSONString(buf, key)
	buf.WriteByte(':')
	buf.WriteString(strconv.FormatInt(value, 10))
	if !last {
		buf.WriteByte(',')
	}
}

const hexLower = "0123456789abcdef"

func writeJSONString(buf *bytes.Buffer, value string) {
	buf.WriteByte('"')
	for _, r := range value {
		switch r {
		case '"', '\\':
			buf.WriteByte('\\')
			buf.WriteRune(r)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexLower[r>>4])
				buf.WriteByte(hexLower[r&0x0f])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}
