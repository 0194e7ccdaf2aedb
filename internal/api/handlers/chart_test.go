package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/medsim/mar/internal/domain/medication"
	"github.com/medsim/mar/internal/engine"
	"github.com/medsim/mar/internal/engine/clock"
	"github.com/medsim/mar/internal/engine/schedule"
)

var chartTime = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

type chartStoreStub struct {
	medicines map[string]medication.Medicine
	rxs       []medication.Prescription
	admins    []medication.Administration
	links     []medication.MedicationLink
	linksErr  error
}

func (s *chartStoreStub) Medicine(_ context.Context, id string) (medication.Medicine, bool, error) {
	m, ok := s.medicines[id]
	return m, ok, nil
}

func (s *chartStoreStub) Medicines(_ context.Context) ([]medication.Medicine, error) {
	out := make([]medication.Medicine, 0, len(s.medicines))
	for _, m := range s.medicines {
		out = append(out, m)
	}
	return out, nil
}

func (s *chartStoreStub) PrescriptionsForPatient(_ context.Context, patientID string) ([]medication.Prescription, error) {
	out := make([]medication.Prescription, 0)
	for _, rx := range s.rxs {
		if rx.PatientID == patientID {
			out = append(out, rx)
		}
	}
	return out, nil
}

func (s *chartStoreStub) AdministrationsForPatient(_ context.Context, patientID string) ([]medication.Administration, error) {
	out := make([]medication.Administration, 0)
	for _, a := range s.admins {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *chartStoreStub) Links(_ context.Context) ([]medication.MedicationLink, error) {
	if s.linksErr != nil {
		return nil, s.linksErr
	}
	return s.links, nil
}

func chartQueries(at time.Time) engine.Queries {
	c := clock.NewSimulated()
	c.SetAbsolute(at)
	return engine.Queries{Clock: c}
}

func getJSON(t *testing.T, h *ChartHandler, target string, out interface{}) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	if out != nil {
		if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", target, err)
		}
	}
	return rec.Code
}

// A link-store outage must not report allow-list medicines as unrestricted:
// the collect endpoint answers from the fallback gates instead.
func TestCollectLinkLoadFailureKeepsAllowListGated(t *testing.T) {
	store := &chartStoreStub{
		medicines: map[string]medication.Medicine{
			"10000069": {ID: "10000069", Name: "Protocol follow-up"},
		},
		linksErr: errors.New("link store down"),
	}
	h := NewChartHandler(store, chartQueries(chartTime), nil, nil)

	var resp CollectResponse
	if code := getJSON(t, h, "/p1/medicines/10000069/collect", &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.Ready {
		t.Fatalf("allow-list medicine reported collectable on degraded links: %+v", resp)
	}
	if resp.Verdict != "trigger_missing" {
		t.Fatalf("verdict = %q, want trigger_missing", resp.Verdict)
	}
}

// The degraded gate still opens once a qualifying dose has been delivered.
func TestCollectLinkLoadFailureStillOpensAfterTrigger(t *testing.T) {
	given := chartTime.Add(-time.Hour)
	store := &chartStoreStub{
		medicines: map[string]medication.Medicine{
			"10000069": {ID: "10000069", Name: "Protocol follow-up"},
		},
		admins: []medication.Administration{
			{ID: "a1", PatientID: "p1", MedicineID: "m-para",
				Status: medication.StatusAdministered, AdministeredAt: &given},
		},
		linksErr: errors.New("link store down"),
	}
	h := NewChartHandler(store, chartQueries(chartTime), nil, nil)

	var resp CollectResponse
	getJSON(t, h, "/p1/medicines/10000069/collect", &resp)
	if !resp.Ready || resp.Verdict != "ready" {
		t.Fatalf("degraded gate after elapsed delay: %+v", resp)
	}
}

// Chart rows for allow-list medicines show blocked, not due, when the link
// store is unavailable and no trigger was administered.
func TestChartLinkLoadFailureBlocksAllowListRow(t *testing.T) {
	store := &chartStoreStub{
		medicines: map[string]medication.Medicine{
			"10000069": {ID: "10000069", Name: "Protocol follow-up"},
		},
		rxs: []medication.Prescription{
			{ID: "rx-proto", PatientID: "p1", MedicineID: "10000069",
				Periodicity: "q6h", Duration: "1 day"},
		},
		linksErr: errors.New("link store down"),
	}
	h := NewChartHandler(store, chartQueries(chartTime), nil, nil)

	var resp ChartResponse
	getJSON(t, h, "/p1/chart", &resp)
	if len(resp.Rows) != 1 {
		t.Fatalf("rows = %d", len(resp.Rows))
	}
	if resp.Rows[0].Status != schedule.StatusBlocked {
		t.Fatalf("status on degraded links = %v, want blocked", resp.Rows[0].Status)
	}

	// With links loadable and no link rows, the same prescription is due.
	store.linksErr = nil
	resp = ChartResponse{}
	getJSON(t, h, "/p1/chart", &resp)
	if resp.Rows[0].Status != schedule.StatusDue {
		t.Fatalf("status with healthy links = %v, want due", resp.Rows[0].Status)
	}
}

func TestMedicinesCatalog(t *testing.T) {
	store := &chartStoreStub{
		medicines: map[string]medication.Medicine{
			"m-para": {ID: "m-para", Name: "Paracetamol", Category: medication.CategoryPainKiller},
			"m-onda": {ID: "m-onda", Name: "Ondansetron", RequiresCollection: true},
		},
	}
	h := NewChartHandler(store, chartQueries(chartTime), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/medicines", nil)
	rec := httptest.NewRecorder()
	h.Medicines(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var meds []medication.Medicine
	if err := json.NewDecoder(rec.Body).Decode(&meds); err != nil {
		t.Fatal(err)
	}
	if len(meds) != 2 {
		t.Fatalf("catalog size = %d", len(meds))
	}
}
