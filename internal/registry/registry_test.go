package registry

import (
	"testing"

	"github.com/snapetech/mtsqos/internal/psi"
)

func u16(v uint16) *uint16 { return &v }

func TestRegistry_patDrivesRoleSets(t *testing.T) {
	r := New()
	pat := &psi.PAT{
		Programs: []psi.ProgramEntry{
			{ProgramNumber: 0, NetworkPID: u16(0x10)},
			{ProgramNumber: 1, ProgramMapPID: u16(0x20)},
		},
	}
	r.SetPAT(pat)

	if !r.IsNetworkPID(0x10) {
		t.Error("0x10 should be a network PID")
	}
	if !r.IsPMTPID(0x20) {
		t.Error("0x20 should be a program_map PID")
	}
}

func TestRegistry_pmtDerivesStreamAndPCRPIDs(t *testing.T) {
	r := New()
	pat := &psi.PAT{Programs: []psi.ProgramEntry{{ProgramNumber: 1, ProgramMapPID: u16(0x20)}}}
	r.SetPAT(pat)

	pmt := &psi.PMT{
		PCRPID: 0x100,
		Streams: []psi.ElementaryStream{
			{StreamType: 0x02, ElementaryPID: 0x101},
			{StreamType: 0x06, ElementaryPID: 0x102},
		},
		Descriptors: []psi.Descriptor{
			{Tag: psi.TagCA, Data: &psi.CADescriptor{CASystemID: 9, CAPID: 0x200}},
		},
	}
	r.SetPMT(0x20, pmt)

	if !r.IsPCRPID(0x100) {
		t.Error("0x100 should be the PCR PID")
	}
	if !r.IsStreamPID(0x101) || !r.IsStreamPID(0x102) {
		t.Error("0x101/0x102 should be stream PIDs")
	}
	if !r.IsOtherPID(0x200) {
		t.Error("0x200 should be an other (CA) PID")
	}
}

func TestRegistry_patReplacementDropsStaleRoles(t *testing.T) {
	r := New()
	r.SetPAT(&psi.PAT{Programs: []psi.ProgramEntry{{ProgramNumber: 1, ProgramMapPID: u16(0x20)}}})
	r.SetPMT(0x20, &psi.PMT{PCRPID: 0x100, Streams: []psi.ElementaryStream{{ElementaryPID: 0x101}}})

	r.SetPAT(&psi.PAT{Programs: []psi.ProgramEntry{{ProgramNumber: 2, ProgramMapPID: u16(0x30)}}})

	if r.IsPMTPID(0x20) {
		t.Error("0x20 should no longer be a program_map PID after PAT replacement")
	}
	if r.IsStreamPID(0x101) {
		t.Error("0x101 should no longer be a stream PID once its program dropped out of the PAT")
	}
	if !r.IsPMTPID(0x30) {
		t.Error("0x30 should now be a program_map PID")
	}
}

func TestRegistry_catContributesOtherPIDs(t *testing.T) {
	r := New()
	r.SetCAT(&psi.CAT{Descriptors: []psi.Descriptor{
		{Tag: psi.TagCA, Data: &psi.CADescriptor{CASystemID: 9, CAPID: 0x300}},
	}})
	if !r.IsOtherPID(0x300) {
		t.Error("0x300 should be an other PID from the CAT's EMM descriptor")
	}
}
