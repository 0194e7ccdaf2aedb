// Package postgres provides PostgreSQL persistence for the medication
// administration engine: reference data reads, administration history, and a
// transactional outbox for the audit event stream.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medsim/mar/internal/domain/medication"
	"github.com/medsim/mar/internal/infrastructure/redpanda"
)

// Repository implements the engine's collaborator ports over pgx.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Medicine looks up one catalog entry.
func (r *Repository) Medicine(ctx context.Context, id string) (medication.Medicine, bool, error) {
	query := `
		SELECT id, name, category, default_dose, default_route, default_frequency,
		       is_prn, requires_collection
		FROM medicines
		WHERE id = $1
	`
	var m medication.Medicine
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&m.ID, &m.Name, &m.Category, &m.DefaultDose, &m.DefaultRoute,
		&m.DefaultFrequency, &m.IsPRN, &m.RequiresCollection,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return medication.Medicine{}, false, nil
		}
		return medication.Medicine{}, false, fmt.Errorf("medicine lookup: %w", err)
	}
	return m, true, nil
}

// Medicines lists the catalog.
func (r *Repository) Medicines(ctx context.Context) ([]medication.Medicine, error) {
	query := `
		SELECT id, name, category, default_dose, default_route, default_frequency,
		       is_prn, requires_collection
		FROM medicines
		ORDER BY name
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list medicines: %w", err)
	}
	defer rows.Close()

	var out []medication.Medicine
	for rows.Next() {
		var m medication.Medicine
		if err := rows.Scan(&m.ID, &m.Name, &m.Category, &m.DefaultDose,
			&m.DefaultRoute, &m.DefaultFrequency, &m.IsPRN, &m.RequiresCollection); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PrescriptionsForPatient lists a patient's prescriptions.
func (r *Repository) PrescriptionsForPatient(ctx context.Context, patientID string) ([]medication.Prescription, error) {
	query := `
		SELECT id, patient_id, medicine_id, dosage, periodicity,
		       COALESCE(duration, ''), COALESCE(route, ''),
		       start_date, end_date, total_doses, completed
		FROM prescriptions
		WHERE patient_id = $1
	`
	rows, err := r.pool.Query(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	defer rows.Close()

	var out []medication.Prescription
	for rows.Next() {
		var rx medication.Prescription
		if err := rows.Scan(&rx.ID, &rx.PatientID, &rx.MedicineID, &rx.Dosage,
			&rx.Periodicity, &rx.Duration, &rx.Route,
			&rx.StartDate, &rx.EndDate, &rx.TotalDoses, &rx.Completed); err != nil {
			return nil, err
		}
		out = append(out, rx)
	}
	return out, rows.Err()
}

// AdministrationsForPatient lists a patient's administration history, with
// statuses normalized at the ingestion boundary.
func (r *Repository) AdministrationsForPatient(ctx context.Context, patientID string) ([]medication.Administration, error) {
	query := `
		SELECT id, patient_id, medicine_id, COALESCE(prescription_id, ''),
		       status, COALESCE(message, ''), administered_at, COALESCE(administered_by, '')
		FROM administrations
		WHERE patient_id = $1
		ORDER BY administered_at ASC NULLS FIRST
	`
	rows, err := r.pool.Query(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("list administrations: %w", err)
	}
	defer rows.Close()

	var out []medication.Administration
	for rows.Next() {
		var a medication.Administration
		var rawStatus string
		if err := rows.Scan(&a.ID, &a.PatientID, &a.MedicineID, &a.PrescriptionID,
			&rawStatus, &a.Message, &a.AdministeredAt, &a.AdministeredBy); err != nil {
			return nil, err
		}
		a.Status = medication.NormalizeStatus(rawStatus)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Links lists protocol links, optionally filtered by trigger medicine.
func (r *Repository) Links(ctx context.Context) ([]medication.MedicationLink, error) {
	return r.LinksByTrigger(ctx, "")
}

// LinksByTrigger lists protocol links for one trigger medicine; an empty id
// lists all.
func (r *Repository) LinksByTrigger(ctx context.Context, triggerID string) ([]medication.MedicationLink, error) {
	query := `
		SELECT id, trigger_medicine_id, follow_medicine_id, delay_minutes,
		       COALESCE(follow_frequency, ''), COALESCE(follow_duration_hours, 0),
		       COALESCE(dose_override, '')
		FROM medication_links
		WHERE $1 = '' OR trigger_medicine_id = $1
	`
	rows, err := r.pool.Query(ctx, query, triggerID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	var out []medication.MedicationLink
	for rows.Next() {
		var l medication.MedicationLink
		if err := rows.Scan(&l.ID, &l.TriggerMedicine, &l.FollowMedicine,
			&l.DelayMinutes, &l.FollowFrequency, &l.FollowDurationHr, &l.DoseOverride); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Record persists an administration record and its audit outbox entry in one
// transaction, so the event stream never diverges from stored history.
func (r *Repository) Record(ctx context.Context, a medication.Administration) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO administrations
		(id, patient_id, medicine_id, prescription_id, status, message, administered_at, administered_by)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)
	`
	if _, err := tx.Exec(ctx, insert,
		a.ID, a.PatientID, a.MedicineID, a.PrescriptionID,
		string(a.Status), a.Message, a.AdministeredAt, a.AdministeredBy); err != nil {
		return fmt.Errorf("insert administration: %w", err)
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal administration: %w", err)
	}
	entry := &OutboxEntry{
		RecordID:  a.ID,
		PatientID: a.PatientID,
		EventType: "AdministrationRecorded",
		Payload:   payload,
		Topic:     redpanda.TopicAdministrations,
		Key:       a.PatientID,
	}
	if err := WriteEntry(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("administration recorded",
		zap.String("id", a.ID),
		zap.String("patient_id", a.PatientID),
		zap.String("status", string(a.Status)))
	return nil
}
