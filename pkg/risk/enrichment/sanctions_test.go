package enrichment

import (
	"context"
	"strings"
	"testing"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/pkg/errors"
)

func testSanctionsList() *SanctionsList {
	return NewSanctionsList(
		SanctionsEntry{UID: "100", Name: "ACME CORP", Type: "Entity", Programs: []string{"SDGT"}, ListName: "OFAC SDN"},
		SanctionsEntry{UID: "200", Name: "Ivan Petrov", Aliases: []string{"Ivan Petroff"}, Type: "Individual", ListName: "OFAC SDN"},
		SanctionsEntry{UID: "300", Name: "Oceanic Shipping Ltd", Type: "Entity", ListName: "OFAC SDN"},
	)
}

func TestSanctionsLookup(t *testing.T) {
	p := NewSanctionsProvider(testSanctionsList(), 0.85)

	tests := []struct {
		name       string
		query      string
		typ        risk.EntityType
		wantFound  bool
		wantMatch  risk.MatchType
		sanctioned bool
		wantUID    string
	}{
		{"Given the listed name with a long suffix When screened Then exact", "Acme Corporation", risk.EntityOrganization, true, risk.MatchExact, true, "100"},
		{"Given an alias When screened Then exact", "ivan petroff", risk.EntityIndividual, true, risk.MatchExact, true, "200"},
		{"Given a one letter typo When screened Then fuzzy and not sanctioned", "Acme Corpp", risk.EntityOrganization, true, risk.MatchFuzzy, false, "100"},
		{"Given an individual entry When screened as an organization Then not found", "Ivan Petrov", risk.EntityOrganization, false, "", false, ""},
		{"Given an unrelated name When screened Then not found", "Globex Industries", risk.EntityOrganization, false, "", false, ""},
		{"Given a location When screened Then not found", "Panama", risk.EntityLocation, false, "", false, ""},
		{"Given an empty name When screened Then not found", "  ", risk.EntityIndividual, false, "", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := p.Lookup(context.Background(), tt.query, tt.typ)
			if !tt.wantFound {
				if !errors.Is(err, risk.ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got payload=%+v err=%v", payload, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			m := payload.Sanctions
			if m == nil {
				t.Fatal("no sanctions payload")
			}
			if m.MatchType != tt.wantMatch || m.Sanctioned != tt.sanctioned {
				t.Errorf("match = %s sanctioned=%v, want %s sanctioned=%v", m.MatchType, m.Sanctioned, tt.wantMatch, tt.sanctioned)
			}
			if len(m.ListEntries) == 0 || m.ListEntries[0].UID != tt.wantUID {
				t.Errorf("entries = %+v, want first uid %s", m.ListEntries, tt.wantUID)
			}
			if tt.wantMatch == risk.MatchFuzzy && (m.Confidence < 0.85 || m.Confidence >= 1) {
				t.Errorf("fuzzy confidence = %v", m.Confidence)
			}
		})
	}
}

func TestSanctionsListReplace(t *testing.T) {
	list := testSanctionsList()
	p := NewSanctionsProvider(list, 0)

	list.Replace([]SanctionsEntry{{UID: "9", Name: "Globex Industries", Type: "Entity"}})
	if list.Len() != 1 {
		t.Fatalf("Len() = %d", list.Len())
	}
	if _, err := p.Lookup(context.Background(), "Acme Corp", risk.EntityOrganization); !errors.Is(err, risk.ErrNotFound) {
		t.Errorf("old entry still matches: %v", err)
	}
	if payload, err := p.Lookup(context.Background(), "GLOBEX INDUSTRIES", risk.EntityOrganization); err != nil || !payload.Sanctions.Sanctioned {
		t.Errorf("new entry not matched: %+v %v", payload, err)
	}
}

func TestLoadSDNXML(t *testing.T) {
	doc := `<?xml version="1.0"?>
<sdnList>
  <publshInformation><Publish_Date>01/02/2024</Publish_Date></publshInformation>
  <sdnEntry>
    <uid>36</uid>
    <lastName>AEROCARIBBEAN AIRLINES</lastName>
    <sdnType>Entity</sdnType>
    <programList><program>CUBA</program></programList>
    <akaList><aka><uid>12</uid><type>a.k.a.</type><lastName>AERO-CARIBBEAN</lastName></aka></akaList>
    <addressList><address><city>Havana</city><country>Cuba</country></address></addressList>
  </sdnEntry>
  <sdnEntry>
    <uid>2674</uid>
    <firstName>Abu</firstName>
    <lastName>ABBAS</lastName>
    <sdnType>Individual</sdnType>
    <programList><program>SDGT</program><program>SDT</program></programList>
  </sdnEntry>
</sdnList>`

	entries, err := LoadSDNXML(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadSDNXML: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	air := entries[0]
	if air.UID != "36" || air.Name != "AEROCARIBBEAN AIRLINES" || air.Type != "Entity" {
		t.Errorf("entry 0 = %+v", air)
	}
	if len(air.Aliases) != 1 || air.Aliases[0] != "AERO-CARIBBEAN" {
		t.Errorf("aliases = %v", air.Aliases)
	}
	if len(air.Addresses) != 1 || air.Addresses[0] != "Havana, Cuba" {
		t.Errorf("addresses = %v", air.Addresses)
	}
	if entries[1].Name != "Abu ABBAS" || len(entries[1].Programs) != 2 {
		t.Errorf("entry 1 = %+v", entries[1])
	}

	if _, err := LoadSDNXML(strings.NewReader("<sdnList><sdnEntry>")); err == nil {
		t.Error("expected error for truncated XML")
	}
}

func TestLoadSDNCSV(t *testing.T) {
	data := `36,"AEROCARIBBEAN AIRLINES",-0- ,"CUBA",-0- ,-0- ,-0- ,-0- ,-0- ,-0- ,-0- ,-0-
2674,"ABBAS, Abu","individual","SDGT] [SDT",-0- ,-0- ,-0- ,-0- ,-0- ,-0- ,-0- ,"DOB 10 Dec 1948"
`
	entries, err := LoadSDNCSV(strings.NewReader(data))
	if err != nil {
		t.Fatalf("LoadSDNCSV: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].Type != "entity" || entries[0].Name != "AEROCARIBBEAN AIRLINES" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Name != "Abu ABBAS" || entries[1].Type != "individual" || len(entries[1].Programs) != 2 {
		t.Errorf("entry 1 = %+v", entries[1])
	}

	p := NewSanctionsProvider(NewSanctionsList(entries...), 0)
	payload, err := p.Lookup(context.Background(), "Abu Abbas", risk.EntityIndividual)
	if err != nil || !payload.Sanctions.Sanctioned {
		t.Errorf("loaded entry not screened: %+v %v", payload, err)
	}
}
