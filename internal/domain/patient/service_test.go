package patient

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chartline/chartline/internal/domain/account"
	"github.com/chartline/chartline/internal/platform/apperr"
	"github.com/chartline/chartline/internal/platform/crypto"
)

// ── In-memory patient repository ──

type memRepo struct {
	data map[uuid.UUID]*StoredPatient
}

func newMemRepo() *memRepo {
	return &memRepo{data: make(map[uuid.UUID]*StoredPatient)}
}

func (m *memRepo) Create(_ context.Context, sp *StoredPatient) error {
	for _, existing := range m.data {
		if existing.MRNHash == sp.MRNHash {
			return apperr.Conflict("patient with this MRN already exists")
		}
	}
	if sp.ID == uuid.Nil {
		sp.ID = uuid.New()
	}
	m.data[sp.ID] = sp
	return nil
}

func (m *memRepo) GetByID(_ context.Context, id uuid.UUID) (*StoredPatient, error) {
	if sp, ok := m.data[id]; ok {
		return sp, nil
	}
	return nil, apperr.NotFound("patient not found")
}

func (m *memRepo) GetByMRNHash(_ context.Context, hash string) (*StoredPatient, error) {
	for _, sp := range m.data {
		if sp.MRNHash == hash {
			return sp, nil
		}
	}
	return nil, apperr.NotFound("patient not found")
}

func (m *memRepo) Update(_ context.Context, sp *StoredPatient) error {
	existing, ok := m.data[sp.ID]
	if !ok {
		return apperr.NotFound("patient not found")
	}
	sp.Extensions = existing.Extensions
	sp.Assignments = existing.Assignments
	sp.Discharged = existing.Discharged
	sp.DischargedBy = existing.DischargedBy
	sp.DischargedAt = existing.DischargedAt
	sp.CreatedBy = existing.CreatedBy
	m.data[sp.ID] = sp
	return nil
}

func (m *memRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.data[id]; !ok {
		return apperr.NotFound("patient not found")
	}
	delete(m.data, id)
	return nil
}

func (m *memRepo) List(_ context.Context, limit, offset int) ([]*StoredPatient, int, error) {
	var out []*StoredPatient
	for _, sp := range m.data {
		if !sp.Discharged {
			out = append(out, sp)
		}
	}
	return out, len(out), nil
}

func (m *memRepo) ListByCreator(_ context.Context, createdBy uuid.UUID, limit, offset int) ([]*StoredPatient, int, error) {
	var out []*StoredPatient
	for _, sp := range m.data {
		if !sp.Discharged && sp.CreatedBy == createdBy {
			out = append(out, sp)
		}
	}
	return out, len(out), nil
}

func (m *memRepo) ListDischarged(_ context.Context, f DischargedFilter, limit, offset int) ([]*StoredPatient, int, error) {
	var out []*StoredPatient
	for _, sp := range m.data {
		if !sp.Discharged {
			continue
		}
		switch {
		case f.All:
			out = append(out, sp)
		case f.NurseID != uuid.Nil:
			if (sp.DischargedBy != nil && *sp.DischargedBy == f.ActorID) || m.assigned(sp, f.NurseID) {
				out = append(out, sp)
			}
		default:
			if sp.CreatedBy == f.ActorID || (sp.DischargedBy != nil && *sp.DischargedBy == f.ActorID) {
				out = append(out, sp)
			}
		}
	}
	return out, len(out), nil
}

func (m *memRepo) assigned(sp *StoredPatient, nurseID uuid.UUID) bool {
	for _, sa := range sp.Assignments {
		if sa.NurseID == nurseID {
			return true
		}
	}
	return false
}

func (m *memRepo) AddExtension(_ context.Context, se *StoredExtension) error {
	sp, ok := m.data[se.PatientID]
	if !ok {
		return apperr.NotFound("patient not found")
	}
	for _, existing := range sp.Extensions {
		if existing.ChartID == se.ChartID {
			return apperr.Conflict("chart id already exists for this patient")
		}
	}
	sp.Extensions = append(sp.Extensions, se)
	return nil
}

func (m *memRepo) ChartIDExists(_ context.Context, patientID uuid.UUID, chartID string) (bool, error) {
	sp, ok := m.data[patientID]
	if !ok {
		return false, nil
	}
	for _, se := range sp.Extensions {
		if se.ChartID == chartID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memRepo) Assign(_ context.Context, sa *StoredAssignment) error {
	sp, ok := m.data[sa.PatientID]
	if !ok {
		return apperr.NotFound("patient not found")
	}
	if m.assigned(sp, sa.NurseID) {
		return nil
	}
	sp.Assignments = append(sp.Assignments, sa)
	return nil
}

func (m *memRepo) Unassign(_ context.Context, patientID, nurseID uuid.UUID) error {
	sp, ok := m.data[patientID]
	if !ok {
		return apperr.NotFound("patient not found")
	}
	kept := sp.Assignments[:0]
	for _, sa := range sp.Assignments {
		if sa.NurseID != nurseID {
			kept = append(kept, sa)
		}
	}
	sp.Assignments = kept
	return nil
}

func (m *memRepo) ListAssignedToNurse(_ context.Context, nurseID uuid.UUID) ([]*StoredPatient, error) {
	var out []*StoredPatient
	for _, sp := range m.data {
		if !sp.Discharged && m.assigned(sp, nurseID) {
			out = append(out, sp)
		}
	}
	return out, nil
}

func (m *memRepo) CountAssignedPatients(_ context.Context) (map[uuid.UUID]int, error) {
	counts := make(map[uuid.UUID]int)
	for _, sp := range m.data {
		if sp.Discharged {
			continue
		}
		for _, sa := range sp.Assignments {
			counts[sa.NurseID]++
		}
	}
	return counts, nil
}

func (m *memRepo) SetDischarge(_ context.Context, id uuid.UUID, discharged bool, by *uuid.UUID, at *time.Time) error {
	sp, ok := m.data[id]
	if !ok {
		return apperr.NotFound("patient not found")
	}
	sp.Discharged = discharged
	if discharged {
		sp.DischargedBy = by
		sp.DischargedAt = at
	}
	return nil
}

func (m *memRepo) ListWithExtensions(_ context.Context) ([]*StoredPatient, error) {
	var out []*StoredPatient
	for _, sp := range m.data {
		if !sp.Discharged {
			out = append(out, sp)
		}
	}
	return out, nil
}

// ── Nurse directory stub ──

type staticDirectory struct {
	byID      map[uuid.UUID]NurseRef
	byAccount map[uuid.UUID]NurseRef
}

func newStaticDirectory() *staticDirectory {
	return &staticDirectory{
		byID:      make(map[uuid.UUID]NurseRef),
		byAccount: make(map[uuid.UUID]NurseRef),
	}
}

func (d *staticDirectory) add(ref NurseRef) {
	d.byID[ref.ID] = ref
	if ref.AccountID != uuid.Nil {
		d.byAccount[ref.AccountID] = ref
	}
}

func (d *staticDirectory) Get(_ context.Context, nurseID uuid.UUID) (NurseRef, error) {
	if ref, ok := d.byID[nurseID]; ok {
		return ref, nil
	}
	return NurseRef{}, apperr.NotFound("nurse not found")
}

func (d *staticDirectory) ByAccountID(_ context.Context, accountID uuid.UUID) (NurseRef, error) {
	if ref, ok := d.byAccount[accountID]; ok {
		return ref, nil
	}
	return NurseRef{}, apperr.NotFound("nurse not found")
}

// ── Fixtures ──

var testKey = bytes.Repeat([]byte{0x37}, 32)

func newTestService(t *testing.T) (*Service, *memRepo, *staticDirectory, *time.Time) {
	t.Helper()
	repo := newMemRepo()
	dir := newStaticDirectory()
	svc := NewService(repo, NewCodec(mustCipher(t), zerolog.Nop()), zerolog.Nop())
	svc.SetNurseDirectory(dir)
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }
	return svc, repo, dir, &clock
}

func mustCipher(t *testing.T) *crypto.FieldCipher {
	t.Helper()
	c, err := crypto.NewFieldCipher(testKey)
	if err != nil {
		t.Fatalf("NewFieldCipher: %v", err)
	}
	return c
}

func createPatient(t *testing.T, svc *Service, mrn string) *Patient {
	t.Helper()
	p, err := svc.Create(context.Background(), uuid.New(), CreateInput{
		FirstName:   "Ada",
		LastInitial: "O",
		MRN:         mrn,
		Unit:        "ICU",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return p
}

// ── Tests ──

func TestCreate_EncryptsIdentityAtRest(t *testing.T) {
	svc, repo, _, _ := newTestService(t)

	p := createPatient(t, svc, " MRN-1001 ")
	if p.MRN != "mrn-1001" {
		t.Fatalf("MRN not canonicalized: %q", p.MRN)
	}
	sp := repo.data[p.ID]
	if sp.MRNEnc == "mrn-1001" || !strings.Contains(sp.MRNEnc, ":") {
		t.Fatalf("MRN stored without encryption: %q", sp.MRNEnc)
	}
	if sp.MRNHash != crypto.Fingerprint("mrn-1001") {
		t.Fatalf("MRN hash mismatch: %q", sp.MRNHash)
	}
	if sp.FirstNameEnc == nil || *sp.FirstNameEnc == "Ada" {
		t.Fatal("first name stored without encryption")
	}
	plain, err := mustCipher(t).Decrypt(sp.MRNEnc)
	if err != nil || plain != "mrn-1001" {
		t.Fatalf("decrypt round trip: %q, %v", plain, err)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, repo, _, _ := newTestService(t)

	if _, err := svc.Create(context.Background(), uuid.New(), CreateInput{FirstName: "Ada"}); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("missing MRN: want validation error, got %v", err)
	}
	if len(repo.data) != 0 {
		t.Fatal("record persisted despite validation failure")
	}
}

func TestCreate_DuplicateMRNConflicts(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	createPatient(t, svc, "MRN-7")
	if _, err := svc.Create(context.Background(), uuid.New(), CreateInput{MRN: " mrn-7 "}); !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("want conflict, got %v", err)
	}
}

func TestCreate_DuplicateChartIDRejectedBeforePersist(t *testing.T) {
	svc, repo, _, _ := newTestService(t)

	_, err := svc.Create(context.Background(), uuid.New(), CreateInput{
		MRN: "MRN-8",
		Extensions: []ExtensionInput{
			{ChartID: "CH-1", Transcript: "first pass"},
			{ChartID: "CH-1", Transcript: "second pass"},
		},
	})
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("want conflict, got %v", err)
	}
	if len(repo.data) != 0 {
		t.Fatal("record persisted despite duplicate chart ids")
	}
}

func TestAddExtension_ChartIDUniquePerPatient(t *testing.T) {
	svc, repo, _, clock := newTestService(t)
	p := createPatient(t, svc, "MRN-9")

	ext, err := svc.AddExtension(context.Background(), p.ID, ExtensionInput{ChartID: "CH-1", Transcript: "vitals stable"})
	if err != nil {
		t.Fatalf("AddExtension: %v", err)
	}
	if !ext.RecordedAt.Equal(*clock) {
		t.Fatalf("zero recorded_at not defaulted: %v", ext.RecordedAt)
	}
	if _, err := svc.AddExtension(context.Background(), p.ID, ExtensionInput{ChartID: "CH-1"}); !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("want conflict on duplicate chart id, got %v", err)
	}
	// Same chart id on a different patient is fine.
	other := createPatient(t, svc, "MRN-10")
	if _, err := svc.AddExtension(context.Background(), other.ID, ExtensionInput{ChartID: "CH-1"}); err != nil {
		t.Fatalf("chart id should be scoped per patient: %v", err)
	}
	if len(repo.data[p.ID].Extensions) != 1 {
		t.Fatalf("extension count = %d, want 1", len(repo.data[p.ID].Extensions))
	}
}

func TestAssign_CachesNurseNameAtAssignmentTime(t *testing.T) {
	svc, repo, dir, _ := newTestService(t)
	p := createPatient(t, svc, "MRN-11")
	nurseID := uuid.New()
	dir.add(NurseRef{ID: nurseID, DisplayName: "Rita Okeke"})

	if err := svc.Assign(context.Background(), p.ID, nurseID); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	sa := repo.data[p.ID].Assignments[0]
	if sa.NurseNameEnc == nil || *sa.NurseNameEnc == "Rita Okeke" {
		t.Fatal("nurse name stored without encryption")
	}

	// A rename after assignment does not touch the cached name.
	dir.add(NurseRef{ID: nurseID, DisplayName: "Rita Adeyemi"})
	got, err := svc.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Assignments[0].NurseName != "Rita Okeke" {
		t.Fatalf("cached name = %q, want name at assignment time", got.Assignments[0].NurseName)
	}
}

func TestAssign_UnknownNurse(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	p := createPatient(t, svc, "MRN-12")

	if err := svc.Assign(context.Background(), p.ID, uuid.New()); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestUnassign(t *testing.T) {
	svc, repo, dir, _ := newTestService(t)
	p := createPatient(t, svc, "MRN-13")
	nurseID := uuid.New()
	dir.add(NurseRef{ID: nurseID, DisplayName: "Rita Okeke"})

	if err := svc.Assign(context.Background(), p.ID, nurseID); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := svc.Unassign(context.Background(), p.ID, nurseID); err != nil {
		t.Fatalf("Unassign: %v", err)
	}
	if len(repo.data[p.ID].Assignments) != 0 {
		t.Fatal("assignment not removed")
	}
}

func TestDischargeAndUndoRetainsHistory(t *testing.T) {
	svc, repo, _, clock := newTestService(t)
	p := createPatient(t, svc, "MRN-14")
	actor := uuid.New()

	if err := svc.Discharge(context.Background(), p.ID, actor); err != nil {
		t.Fatalf("Discharge: %v", err)
	}
	sp := repo.data[p.ID]
	if !sp.Discharged || sp.DischargedBy == nil || *sp.DischargedBy != actor {
		t.Fatal("discharge not recorded")
	}
	if sp.DischargedAt == nil || !sp.DischargedAt.Equal(*clock) {
		t.Fatalf("discharged_at = %v", sp.DischargedAt)
	}

	if err := svc.UndoDischarge(context.Background(), p.ID); err != nil {
		t.Fatalf("UndoDischarge: %v", err)
	}
	if sp.Discharged {
		t.Fatal("flag not cleared")
	}
	if sp.DischargedBy == nil || sp.DischargedAt == nil {
		t.Fatal("undo should keep who and when as history")
	}
}

func TestListDischarged_RoleScoping(t *testing.T) {
	svc, _, dir, _ := newTestService(t)
	ctx := context.Background()

	adminA := uuid.New()
	adminB := uuid.New()
	nurseAccount := uuid.New()
	nurseID := uuid.New()
	dir.add(NurseRef{ID: nurseID, AccountID: nurseAccount, DisplayName: "Rita Okeke"})

	byA := createPatient(t, svc, "MRN-20")
	byB := createPatient(t, svc, "MRN-21")
	assigned := createPatient(t, svc, "MRN-22")
	if err := svc.Assign(ctx, assigned.ID, nurseID); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	for id, actor := range map[uuid.UUID]uuid.UUID{byA.ID: adminA, byB.ID: adminB, assigned.ID: adminB} {
		if err := svc.Discharge(ctx, id, actor); err != nil {
			t.Fatalf("Discharge: %v", err)
		}
	}

	all, _, err := svc.ListDischarged(ctx, uuid.New(), account.RoleSuperadmin, 50, 0)
	if err != nil {
		t.Fatalf("ListDischarged: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("superadmin sees %d, want 3", len(all))
	}

	mine, _, err := svc.ListDischarged(ctx, adminA, account.RoleAdmin, 50, 0)
	if err != nil {
		t.Fatalf("ListDischarged: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != byA.ID {
		t.Fatalf("admin scope wrong: %d records", len(mine))
	}

	nurseView, _, err := svc.ListDischarged(ctx, nurseAccount, account.RoleNurse, 50, 0)
	if err != nil {
		t.Fatalf("ListDischarged: %v", err)
	}
	if len(nurseView) != 1 || nurseView[0].ID != assigned.ID {
		t.Fatalf("nurse scope wrong: %d records", len(nurseView))
	}
}

func TestBulkCreate_ReportsPerItemOutcomes(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	creator := uuid.New()
	createPatient(t, svc, "dup-1")

	out := svc.BulkCreate(context.Background(), creator, []CreateInput{
		{MRN: "MRN-30", FirstName: "Ada"},
		{MRN: " DUP-1 ", FirstName: "Ben"},
		{MRN: "MRN-31", FirstName: "Cai"},
	})
	if len(out.Created) != 2 {
		t.Fatalf("created = %d, want 2", len(out.Created))
	}
	if len(out.Skipped) != 1 || out.Skipped[0] != "dup-1" {
		t.Fatalf("skipped = %v, want the duplicate identified", out.Skipped)
	}
	if len(out.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", out.Errors)
	}
}

func TestBulkAssignAndDelete(t *testing.T) {
	svc, repo, dir, _ := newTestService(t)
	ctx := context.Background()
	nurseID := uuid.New()
	dir.add(NurseRef{ID: nurseID, DisplayName: "Rita Okeke"})

	p1 := createPatient(t, svc, "MRN-40")
	p2 := createPatient(t, svc, "MRN-41")
	missing := uuid.New()

	out := svc.BulkAssign(ctx, nurseID, []uuid.UUID{p1.ID, p2.ID, missing})
	if len(out.Assigned) != 2 || len(out.Skipped) != 1 {
		t.Fatalf("assigned = %d skipped = %d", len(out.Assigned), len(out.Skipped))
	}

	del := svc.BulkDelete(ctx, []uuid.UUID{p1.ID, missing})
	if len(del.Deleted) != 1 || len(del.Skipped) != 1 {
		t.Fatalf("deleted = %d skipped = %d", len(del.Deleted), len(del.Skipped))
	}
	if _, ok := repo.data[p1.ID]; ok {
		t.Fatal("record not deleted")
	}
}

func TestAssessments_FlattenAndFilter(t *testing.T) {
	svc, _, dir, _ := newTestService(t)
	ctx := context.Background()

	p := createPatient(t, svc, "MRN-50")
	if _, err := svc.AddExtension(ctx, p.ID, ExtensionInput{
		ChartID:       "CH-1",
		Transcript:    "patient resting comfortably",
		ExtractedData: `{"pain_score": 2}`,
	}); err != nil {
		t.Fatalf("AddExtension: %v", err)
	}
	if _, err := svc.AddExtension(ctx, p.ID, ExtensionInput{
		ChartID:       "CH-2",
		ExtractedData: "not json at all",
	}); err != nil {
		t.Fatalf("AddExtension: %v", err)
	}

	rows, err := svc.AssessmentsAll(ctx)
	if err != nil {
		t.Fatalf("AssessmentsAll: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want one per extension", len(rows))
	}

	filtered, err := svc.AssessmentsForPatient(ctx, p.ID, "CH-1")
	if err != nil {
		t.Fatalf("AssessmentsForPatient: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ChartID != "CH-1" {
		t.Fatalf("chart filter wrong: %v", filtered)
	}
	if string(filtered[0].Extracted) != `{"pain_score": 2}` {
		t.Fatalf("extracted = %s", filtered[0].Extracted)
	}
	if filtered[0].MRN != "mrn-50" || filtered[0].Transcript == "" {
		t.Fatal("row missing decrypted fields")
	}

	unparseable, err := svc.AssessmentsForPatient(ctx, p.ID, "CH-2")
	if err != nil {
		t.Fatalf("AssessmentsForPatient: %v", err)
	}
	if unparseable[0].Extracted != nil {
		t.Fatalf("invalid JSON should be omitted, got %s", unparseable[0].Extracted)
	}

	nurseID := uuid.New()
	dir.add(NurseRef{ID: nurseID, DisplayName: "Rita Okeke"})
	if err := svc.Assign(ctx, p.ID, nurseID); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	scoped, err := svc.AssessmentsForNurse(ctx, nurseID)
	if err != nil {
		t.Fatalf("AssessmentsForNurse: %v", err)
	}
	if len(scoped) != 2 {
		t.Fatalf("nurse sees %d rows, want 2", len(scoped))
	}
}

func TestUpdate_ChecksMRNUniqueness(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ctx := context.Background()

	p1 := createPatient(t, svc, "MRN-60")
	p2 := createPatient(t, svc, "MRN-61")

	taken := "mrn-60"
	if _, err := svc.Update(ctx, p2.ID, UpdateInput{MRN: &taken}); !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("want conflict, got %v", err)
	}

	fresh := "MRN-62"
	updated, err := svc.Update(ctx, p1.ID, UpdateInput{MRN: &fresh})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.MRN != "mrn-62" {
		t.Fatalf("MRN = %q", updated.MRN)
	}
	if repo.data[p1.ID].MRNHash != crypto.Fingerprint("mrn-62") {
		t.Fatal("stored hash not refreshed")
	}
}

func TestCountAssignedPatients_ExcludesDischarged(t *testing.T) {
	svc, _, dir, _ := newTestService(t)
	ctx := context.Background()
	nurseID := uuid.New()
	dir.add(NurseRef{ID: nurseID, DisplayName: "Rita Okeke"})

	p1 := createPatient(t, svc, "MRN-70")
	p2 := createPatient(t, svc, "MRN-71")
	for _, id := range []uuid.UUID{p1.ID, p2.ID} {
		if err := svc.Assign(ctx, id, nurseID); err != nil {
			t.Fatalf("Assign: %v", err)
		}
	}
	if err := svc.Discharge(ctx, p2.ID, uuid.New()); err != nil {
		t.Fatalf("Discharge: %v", err)
	}

	counts, err := svc.CountAssignedPatients(ctx)
	if err != nil {
		t.Fatalf("CountAssignedPatients: %v", err)
	}
	if counts[nurseID] != 1 {
		t.Fatalf("count = %d, want 1", counts[nurseID])
	}
}
