package handlers

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"patrolkeeper/db"
	"patrolkeeper/middleware"
	"patrolkeeper/models"
)

type ReportHandler struct {
	db     db.Store
	ledger *db.ReportLedger
	now    func() time.Time
}

// NewReportHandler wires the report store. ledger may be nil.
func NewReportHandler(store db.Store, ledger *db.ReportLedger) *ReportHandler {
	return &ReportHandler{
		db:     store,
		ledger: ledger,
		now:    time.Now,
	}
}

// ListReportsResponse represents the response for report listing
type ListReportsResponse struct {
	Reports []models.CheckpointReport `json:"reports"`
	Count   int                       `json:"count"`
}

// Submit ingests one report pushed by a device. Submitting the same
// report_id again is acknowledged as a duplicate without storing anything.
// A duplicate is only ever answered for a report the store already holds.
func (h *ReportHandler) Submit(w http.ResponseWriter, r *http.Request) {
	device, ok := middleware.GetDeviceFromContext(r.Context())
	if !ok {
		writeError(w, "Device not found in context", http.StatusUnauthorized)
		return
	}

	var report models.CheckpointReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if key := r.Header.Get("Idempotency-Key"); key != "" && key != report.ReportID {
		writeError(w, "Idempotency-Key does not match report_id", http.StatusBadRequest)
		return
	}
	if _, err := uuid.Parse(report.ReportID); err != nil {
		writeError(w, "report_id must be a UUID", http.StatusBadRequest)
		return
	}
	if report.CreatedAt.IsZero() {
		writeError(w, "created_at is required", http.StatusBadRequest)
		return
	}

	if report.GuardID == "" {
		report.GuardID = device.GuardID
	} else if device.GuardID != "" && report.GuardID != device.GuardID {
		log.Printf("⚠️  Device %s attempted to push report for guard %s", device.DeviceID, report.GuardID)
		writeError(w, "Report guard does not match device", http.StatusForbidden)
		return
	}

	route, err := h.db.GetRoute(r.Context(), report.RouteID)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, "Unknown route", http.StatusUnprocessableEntity)
		return
	}
	if err != nil {
		log.Printf("❌ Failed to get route %s: %v", report.RouteID, err)
		writeError(w, "Failed to validate report", http.StatusInternalServerError)
		return
	}
	if route.CheckpointIndex(report.CheckpointID) < 0 {
		writeError(w, "Checkpoint is not on route", http.StatusUnprocessableEntity)
		return
	}

	if h.ledger != nil {
		seen, err := h.ledger.Seen(r.Context(), report.ReportID)
		if err != nil {
			// the store is still authoritative for duplicates
			log.Printf("⚠️  Report ledger unavailable: %v", err)
		} else if seen {
			log.Printf("📥 Duplicate report %s from %s", report.ReportID, device.DeviceID)
			writeJSON(w, http.StatusOK, models.SubmitReportResponse{Accepted: true, Duplicate: true, ReportID: report.ReportID})
			return
		}
	}

	report.ReceivedAt = h.now().UTC()
	created, err := h.db.SaveReport(r.Context(), &report)
	if err != nil {
		log.Printf("❌ Failed to save report %s: %v", report.ReportID, err)
		writeError(w, "Failed to store report", http.StatusInternalServerError)
		return
	}
	if h.ledger != nil {
		// stored either way; the device may already have given up on this request
		if err := h.ledger.Remember(context.WithoutCancel(r.Context()), report.ReportID); err != nil {
			log.Printf("⚠️  %v", err)
		}
	}
	if !created {
		log.Printf("📥 Duplicate report %s from %s", report.ReportID, device.DeviceID)
		writeJSON(w, http.StatusOK, models.SubmitReportResponse{Accepted: true, Duplicate: true, ReportID: report.ReportID})
		return
	}

	h.audit(r, device.DeviceID, "REPORT_INGESTED", fmt.Sprintf("report %s route %s checkpoint %d urgent=%t",
		report.ReportID, report.RouteID, report.CheckpointID, report.Urgent))
	if h.ledger != nil {
		if err := h.ledger.Publish(r.Context(), &report); err != nil {
			log.Printf("⚠️  %v", err)
		}
	}

	if report.Urgent {
		log.Printf("🚨 Urgent report %s at checkpoint %d on %s", report.ReportID, report.CheckpointID, report.RouteID)
	} else {
		log.Printf("📥 Report %s from %s accepted", report.ReportID, device.DeviceID)
	}
	writeJSON(w, http.StatusCreated, models.SubmitReportResponse{Accepted: true, ReportID: report.ReportID})
}

// List returns reports, optionally filtered by route_id and guard_id
func (h *ReportHandler) List(w http.ResponseWriter, r *http.Request) {
	reports, err := h.db.ListReports(r.Context(), reportFilter(r))
	if err != nil {
		log.Printf("❌ Failed to get reports: %v", err)
		writeError(w, "Failed to retrieve reports", http.StatusInternalServerError)
		return
	}
	if reports == nil {
		reports = []models.CheckpointReport{}
	}

	writeJSON(w, http.StatusOK, ListReportsResponse{Reports: reports, Count: len(reports)})
}

// Export writes the filtered reports as CSV
func (h *ReportHandler) Export(w http.ResponseWriter, r *http.Request) {
	reports, err := h.db.ListReports(r.Context(), reportFilter(r))
	if err != nil {
		log.Printf("❌ Failed to get reports: %v", err)
		writeError(w, "Failed to retrieve reports", http.StatusInternalServerError)
		return
	}

	timestamp := h.now().Format("2006-01-02_15-04-05")
	filename := fmt.Sprintf("patrol_reports_%s.csv", timestamp)
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))

	writer := csv.NewWriter(w)
	defer writer.Flush()

	header := []string{
		"Report ID",
		"Route ID",
		"Checkpoint ID",
		"Guard ID",
		"Created At",
		"Received At",
		"Urgent",
		"Latitude",
		"Longitude",
		"Photo",
		"Text",
	}
	if err := writer.Write(header); err != nil {
		log.Printf("❌ Failed to write CSV header: %v", err)
		return
	}

	for _, report := range reports {
		lat, lng, photo := "", "", ""
		if report.Position != nil {
			lat = strconv.FormatFloat(report.Position.Latitude, 'f', 6, 64)
			lng = strconv.FormatFloat(report.Position.Longitude, 'f', 6, 64)
		}
		if report.PhotoRef != nil {
			photo = *report.PhotoRef
		}

		row := []string{
			report.ReportID,
			report.RouteID,
			strconv.Itoa(report.CheckpointID),
			report.GuardID,
			report.CreatedAt.Format(time.RFC3339),
			report.ReceivedAt.Format(time.RFC3339),
			strconv.FormatBool(report.Urgent),
			lat,
			lng,
			photo,
			report.Text,
		}
		if err := writer.Write(row); err != nil {
			log.Printf("❌ Failed to write CSV row: %v", err)
			return
		}
	}

	if device, ok := middleware.GetDeviceFromContext(r.Context()); ok {
		log.Printf("📊 CSV export by %s: %d reports", device.DeviceID, len(reports))
	}
}

func reportFilter(r *http.Request) models.ReportFilter {
	query := r.URL.Query()
	return models.ReportFilter{
		RouteID: query.Get("route_id"),
		GuardID: query.Get("guard_id"),
	}
}

func (h *ReportHandler) audit(r *http.Request, deviceID, action, details string) {
	entry := &models.AuditLog{
		LogID:     uuid.NewString(),
		Timestamp: h.now().UTC().Format(time.RFC3339),
		DeviceID:  deviceID,
		Action:    action,
		Details:   details,
	}
	if err := h.db.CreateAuditLog(r.Context(), entry); err != nil {
		log.Printf("⚠️  Failed to write audit log: %v", err)
	}
}
