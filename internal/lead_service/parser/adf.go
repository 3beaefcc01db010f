// Package parser converts raw ADF/XML lead payloads into structured,
// validated leads and computes the deduplication fingerprint.
package parser

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
)

// adfDocument mirrors the subset of the ADF schema the relay consumes.
// The format itself is a given external schema; unknown elements are
// ignored by encoding/xml.
type adfDocument struct {
	XMLName  xml.Name     `xml:"adf"`
	Prospect *adfProspect `xml:"prospect"`
}

type adfProspect struct {
	RequestDate string       `xml:"requestdate"`
	Vehicles    []adfVehicle `xml:"vehicle"`
	Customer    *adfCustomer `xml:"customer"`
	Vendor      *adfVendor   `xml:"vendor"`
}

type adfVehicle struct {
	Year  string `xml:"year"`
	Make  string `xml:"make"`
	Model string `xml:"model"`
	VIN   string `xml:"vin"`
	Stock string `xml:"stock"`
}

type adfCustomer struct {
	Contact  adfContact `xml:"contact"`
	Comments string     `xml:"comments"`
}

type adfVendor struct {
	VendorName string      `xml:"vendorname"`
	Contact    *adfContact `xml:"contact"`
}

type adfContact struct {
	Names   []adfName   `xml:"name"`
	Phones  []string    `xml:"phone"`
	Emails  []string    `xml:"email"`
	Address *adfAddress `xml:"address"`
}

type adfName struct {
	Part  string `xml:"part,attr"`
	Value string `xml:",chardata"`
}

type adfAddress struct {
	Street     string `xml:"street"`
	City       string `xml:"city"`
	RegionCode string `xml:"regioncode"`
	PostalCode string `xml:"postalcode"`
}

// Lead is the structured result of parsing one ADF payload.
type Lead struct {
	CustomerFirstName string
	CustomerLastName  string
	CustomerPhone     string
	CustomerEmail     string
	CustomerAddress   string
	Comments          string

	VehicleYear  string
	VehicleMake  string
	VehicleModel string
	VehicleVIN   string
	VehicleStock string

	VendorName  string
	VendorEmail string

	RequestDate time.Time
	Fingerprint string
}

// CustomerName joins the name parts, preferring first+last over full.
func (l *Lead) CustomerName() string {
	name := strings.TrimSpace(l.CustomerFirstName + " " + l.CustomerLastName)
	return name
}

var requestDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006",
}

// Parse validates rawPayload against the ADF schema. Hard structural
// failures return a non-empty errors slice and no usable lead; missing
// optional fields populate warnings but still yield a usable record.
func Parse(rawPayload []byte) (lead *Lead, errs []string, warnings []string) {
	var doc adfDocument
	decoder := xml.NewDecoder(bytes.NewReader(rawPayload))
	// Vendor feeds declare assorted encodings; fold them all to UTF-8.
	decoder.CharsetReader = charset.NewReaderLabel

	if err := decoder.Decode(&doc); err != nil {
		return nil, []string{fmt.Sprintf("malformed XML: %v", err)}, nil
	}

	if doc.Prospect == nil {
		return nil, []string{"missing required section: prospect"}, nil
	}
	if doc.Prospect.Customer == nil {
		return nil, []string{"missing required section: customer"}, nil
	}

	contact := doc.Prospect.Customer.Contact
	first, last := splitName(contact.Names)
	phone := firstNonEmpty(contact.Phones)
	email := firstNonEmpty(contact.Emails)

	if first == "" && last == "" && phone == "" && email == "" {
		return nil, []string{"customer has none of name, phone, email"}, nil
	}

	lead = &Lead{
		CustomerFirstName: strings.TrimSpace(first),
		CustomerLastName:  strings.TrimSpace(last),
		CustomerPhone:     strings.TrimSpace(phone),
		CustomerEmail:     strings.TrimSpace(email),
		Comments:          strings.TrimSpace(doc.Prospect.Customer.Comments),
	}

	if contact.Address != nil {
		lead.CustomerAddress = joinNonEmpty(", ",
			contact.Address.Street, contact.Address.City,
			contact.Address.RegionCode, contact.Address.PostalCode)
	}

	if len(doc.Prospect.Vehicles) > 0 {
		v := doc.Prospect.Vehicles[0]
		lead.VehicleYear = strings.TrimSpace(v.Year)
		lead.VehicleMake = strings.TrimSpace(v.Make)
		lead.VehicleModel = strings.TrimSpace(v.Model)
		lead.VehicleVIN = strings.TrimSpace(v.VIN)
		lead.VehicleStock = strings.TrimSpace(v.Stock)
	} else {
		warnings = append(warnings, "no vehicle section present")
	}

	if doc.Prospect.Vendor != nil {
		lead.VendorName = strings.TrimSpace(doc.Prospect.Vendor.VendorName)
		if doc.Prospect.Vendor.Contact != nil {
			lead.VendorEmail = strings.TrimSpace(firstNonEmpty(doc.Prospect.Vendor.Contact.Emails))
		}
	}
	if lead.VendorName == "" {
		warnings = append(warnings, "vendor name missing")
	}

	rawDate := strings.TrimSpace(doc.Prospect.RequestDate)
	if rawDate == "" {
		warnings = append(warnings, "request date missing")
	} else {
		parsed, err := parseRequestDate(rawDate)
		if err != nil {
			return nil, []string{fmt.Sprintf("unparseable request date %q", rawDate)}, nil
		}
		lead.RequestDate = parsed
	}

	if lead.CustomerPhone == "" {
		warnings = append(warnings, "customer phone missing; SMS reply will be skipped")
	}
	if lead.VehicleVIN == "" && lead.VehicleStock == "" && len(doc.Prospect.Vehicles) > 0 {
		warnings = append(warnings, "vehicle has neither VIN nor stock number")
	}

	lead.Fingerprint = Fingerprint(lead)
	return lead, nil, warnings
}

// Fingerprint deterministically hashes the identifying fields of a lead:
// vendor identity + customer identity + vehicle identity + request date,
// normalized so byte-identical resubmissions and near-duplicates that
// differ only in case or whitespace fold to the same value.
func Fingerprint(l *Lead) string {
	var date string
	if !l.RequestDate.IsZero() {
		date = l.RequestDate.UTC().Format("2006-01-02T15:04:05")
	}

	parts := []string{
		normalize(l.VendorName),
		normalize(l.CustomerFirstName + " " + l.CustomerLastName),
		digitsOnly(l.CustomerPhone),
		normalize(l.CustomerEmail),
		normalize(l.VehicleYear + " " + l.VehicleMake + " " + l.VehicleModel),
		normalize(l.VehicleVIN),
		date,
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// normalize case-folds and collapses all whitespace runs to single spaces.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func parseRequestDate(raw string) (time.Time, error) {
	for _, layout := range requestDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("no known layout matches %q", raw)
}

func splitName(names []adfName) (first, last string) {
	var full string
	for _, n := range names {
		switch strings.ToLower(n.Part) {
		case "first":
			first = n.Value
		case "last":
			last = n.Value
		case "full", "":
			if full == "" {
				full = n.Value
			}
		}
	}
	if first == "" && last == "" && full != "" {
		fields := strings.Fields(full)
		if len(fields) == 1 {
			first = fields[0]
		} else if len(fields) > 1 {
			first = fields[0]
			last = strings.Join(fields[1:], " ")
		}
	}
	return first, last
}

func firstNonEmpty(values []string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func joinNonEmpty(sep string, values ...string) string {
	var kept []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			kept = append(kept, v)
		}
	}
	return strings.Join(kept, sep)
}
