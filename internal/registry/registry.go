// Package registry tracks the current PAT/PMT/CAT/SDT state of a transport
// stream and the PID role-sets derived from them.
package registry

import (
	"sync"

	"github.com/snapetech/mtsqos/internal/psi"
)

// Registry holds the most recently seen PAT, per-program PMTs, CAT and SDT,
// along with role-sets recomputed each time one of those tables changes.
type Registry struct {
	mu sync.RWMutex

	pat *psi.PAT
	cat *psi.CAT
	sdt *psi.SDT
	pmt map[uint16]*psi.PMT // keyed by program_map_PID

	pmtPIDs    map[uint16]struct{}
	netPIDs    map[uint16]struct{}
	pcrPIDs    map[uint16]struct{}
	streamPIDs map[uint16]struct{}
	otherPIDs  map[uint16]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		pmt:        make(map[uint16]*psi.PMT),
		pmtPIDs:    make(map[uint16]struct{}),
		netPIDs:    make(map[uint16]struct{}),
		pcrPIDs:    make(map[uint16]struct{}),
		streamPIDs: make(map[uint16]struct{}),
		otherPIDs:  make(map[uint16]struct{}),
	}
}

// SetPAT installs a new PAT (first arrival or a replacement) and recomputes
// pmt_pids/net_pids.
func (r *Registry) SetPAT(pat *psi.PAT) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pat = pat
	r.recomputePATDerivedLocked()
}

// PAT returns the currently installed PAT, or nil if none has arrived yet.
func (r *Registry) PAT() *psi.PAT {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pat
}

// SetCAT installs a new CAT and recomputes other_pids to include any EMM
// PIDs it carries.
func (r *Registry) SetCAT(cat *psi.CAT) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cat = cat
	r.recomputeOtherPIDsLocked()
}

// CAT returns the currently installed CAT, or nil.
func (r *Registry) CAT() *psi.CAT {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cat
}

// SetSDT installs the most recently observed SDT (any kind).
func (r *Registry) SetSDT(sdt *psi.SDT) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sdt = sdt
}

// SDT returns the currently installed SDT, or nil.
func (r *Registry) SDT() *psi.SDT {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sdt
}

// SetPMT installs or replaces the PMT for a program_map_PID and recomputes
// pcr_pids/stream_pids/other_pids to reflect only currently-known PMTs.
func (r *Registry) SetPMT(pid uint16, pmt *psi.PMT) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pmt[pid] = pmt
	r.recomputePMTDerivedLocked()
}

// PMT returns the PMT registered for pid, or nil if none has arrived, or the
// pid is not a known program_map_PID.
func (r *Registry) PMT(pid uint16) *psi.PMT {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pmt[pid]
}

// IsPMTPID reports whether pid is currently a program_map_PID per the
// installed PAT.
func (r *Registry) IsPMTPID(pid uint16) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pmtPIDs[pid]
	return ok
}

// IsNetworkPID reports whether pid is currently the PAT's network_PID.
func (r *Registry) IsNetworkPID(pid uint16) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.netPIDs[pid]
	return ok
}

// IsStreamPID reports whether pid is a currently-known elementary stream PID.
func (r *Registry) IsStreamPID(pid uint16) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.streamPIDs[pid]
	return ok
}

// IsPCRPID reports whether pid currently carries PCR for some program.
func (r *Registry) IsPCRPID(pid uint16) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pcrPIDs[pid]
	return ok
}

// IsOtherPID reports whether pid is a currently-known CA/EMM/ECM PID.
func (r *Registry) IsOtherPID(pid uint16) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.otherPIDs[pid]
	return ok
}

// recomputePATDerivedLocked rebuilds pmtPIDs and netPIDs from the current
// PAT, from scratch, so a program disappearing on a PAT replacement cannot
// leave a stale entry behind.
func (r *Registry) recomputePATDerivedLocked() {
	r.pmtPIDs = make(map[uint16]struct{})
	r.netPIDs = make(map[uint16]struct{})
	if r.pat == nil {
		return
	}
	for _, pid := range r.pat.NetworkPIDs() {
		r.netPIDs[pid] = struct{}{}
	}
	keep := make(map[uint16]*psi.PMT)
	for _, pid := range r.pat.ProgramMapPIDs() {
		r.pmtPIDs[pid] = struct{}{}
		if pmt, ok := r.pmt[pid]; ok {
			keep[pid] = pmt
		}
	}
	r.pmt = keep
	r.recomputePMTDerivedLocked()
}

// recomputePMTDerivedLocked rebuilds pcr_pids, stream_pids, and the PMT
// contribution to other_pids from scratch across all currently-registered
// PMTs, then folds in the CAT's contribution.
func (r *Registry) recomputePMTDerivedLocked() {
	r.pcrPIDs = make(map[uint16]struct{})
	r.streamPIDs = make(map[uint16]struct{})
	r.otherPIDs = make(map[uint16]struct{})
	for _, pmt := range r.pmt {
		if pmt == nil {
			continue
		}
		r.pcrPIDs[pmt.PCRPID] = struct{}{}
		for _, es := range pmt.Streams {
			r.streamPIDs[es.ElementaryPID] = struct{}{}
		}
		for _, d := range pmt.Descriptors {
			if ca, ok := d.Data.(*psi.CADescriptor); ok {
				r.otherPIDs[ca.CAPID] = struct{}{}
			}
		}
	}
	r.foldCATIntoOtherPIDsLocked()
}

func (r *Registry) recomputeOtherPIDsLocked() {
	// CAT changed; PMT-derived other_pids are unaffected, just re-fold CAT.
	base := make(map[uint16]struct{})
	for _, pmt := range r.pmt {
		if pmt == nil {
			continue
		}
		for _, d := range pmt.Descriptors {
			if ca, ok := d.Data.(*psi.CADescriptor); ok {
				base[ca.CAPID] = struct{}{}
			}
		}
	}
	r.otherPIDs = base
	r.foldCATIntoOtherPIDsLocked()
}

func (r *Registry) foldCATIntoOtherPIDsLocked() {
	if r.cat == nil {
		return
	}
	for _, d := range r.cat.Descriptors {
		if ca, ok := d.Data.(*psi.CADescriptor); ok {
			r.otherPIDs[ca.CAPID] = struct{}{}
		}
	}
}
