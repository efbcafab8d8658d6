package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-enrollment-api/internal/models"
	"github.com/noah-isme/lms-enrollment-api/internal/repository"
	appErrors "github.com/noah-isme/lms-enrollment-api/pkg/errors"
	"github.com/noah-isme/lms-enrollment-api/pkg/export"
	"github.com/noah-isme/lms-enrollment-api/pkg/notify"
	"github.com/noah-isme/lms-enrollment-api/pkg/storage"
)

// fakeWorld is an in-memory store shared by the repository fakes below. It
// mirrors the unique keys of the real schema.
type fakeWorld struct {
	mu  sync.Mutex
	now time.Time
	seq int

	courses     map[string]*models.Course
	students    map[string]*models.Student
	enrollments map[string]*models.Enrollment
	records     map[string]*models.OnboardingRecord
	progress    map[string]*models.CourseProgress
	stats       map[string]*models.StudentCourseStats
	reports     map[string]*models.AdminReport
	audits      []models.AuditLog
	sent        []sentNotification
	documents   map[string][]byte

	sendErr       error
	updateErr     error
	reportCreates int
	// raceInsert, when set, stores a competing row for the pairing before an
	// enrollment insert runs.
	raceInsert func(e *models.Enrollment) *models.Enrollment
}

type sentNotification struct {
	to      notify.Recipient
	kind    notify.TemplateKind
	payload map[string]string
}

func newFakeWorld(now time.Time) *fakeWorld {
	return &fakeWorld{
		now:         now,
		courses:     map[string]*models.Course{},
		students:    map[string]*models.Student{},
		enrollments: map[string]*models.Enrollment{},
		records:     map[string]*models.OnboardingRecord{},
		progress:    map[string]*models.CourseProgress{},
		stats:       map[string]*models.StudentCourseStats{},
		reports:     map[string]*models.AdminReport{},
		documents:   map[string][]byte{},
	}
}

func (w *fakeWorld) clock() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now
}

func (w *fakeWorld) advance(d time.Duration) {
	w.mu.Lock()
	w.now = w.now.Add(d)
	w.mu.Unlock()
}

func (w *fakeWorld) nextID(prefix string) string {
	w.seq++
	return fmt.Sprintf("%s-%d", prefix, w.seq)
}

func pairKey(studentID, courseID string) string {
	return studentID + "|" + courseID
}

func (w *fakeWorld) addCourse(c models.Course) *models.Course {
	w.courses[c.ID] = &c
	return &c
}

func (w *fakeWorld) addStudent(id string) *models.Student {
	s := &models.Student{ID: id, Email: id + "@example.com", FullName: "Student " + id, Active: true}
	w.students[id] = s
	return s
}

// enrollment returns a copy of the stored row for the pairing, or nil.
func (w *fakeWorld) enrollment(studentID, courseID string) *models.Enrollment {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range w.enrollments {
		if e.StudentID == studentID && e.CourseID == courseID {
			return cloneEnrollment(e)
		}
	}
	return nil
}

func (w *fakeWorld) record(studentID, key string) *models.OnboardingRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range w.records {
		if r.StudentID == studentID && r.EnrollmentKey == key {
			return cloneRecord(r)
		}
	}
	return nil
}

func (w *fakeWorld) auditEvents() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	events := make([]string, len(w.audits))
	for i, a := range w.audits {
		events[i] = a.Event
	}
	return events
}

func (w *fakeWorld) sentKinds() []notify.TemplateKind {
	w.mu.Lock()
	defer w.mu.Unlock()
	kinds := make([]notify.TemplateKind, len(w.sent))
	for i, n := range w.sent {
		kinds[i] = n.kind
	}
	return kinds
}

func cloneEnrollment(e *models.Enrollment) *models.Enrollment {
	c := *e
	c.DeferredDetails = append(models.DeferredHistory(nil), e.DeferredDetails...)
	return &c
}

func cloneRecord(r *models.OnboardingRecord) *models.OnboardingRecord {
	c := *r
	raw, err := json.Marshal(r.Value)
	if err != nil {
		panic(err)
	}
	c.Value = models.OnboardingSteps{}
	if err := json.Unmarshal(raw, &c.Value); err != nil {
		panic(err)
	}
	return &c
}

type worldState struct {
	enrollments map[string]*models.Enrollment
	records     map[string]*models.OnboardingRecord
	progress    map[string]*models.CourseProgress
	stats       map[string]*models.StudentCourseStats
	reports     map[string]*models.AdminReport
	students    map[string]models.Student
}

func (w *fakeWorld) snapshot() worldState {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := worldState{
		enrollments: map[string]*models.Enrollment{},
		records:     map[string]*models.OnboardingRecord{},
		progress:    map[string]*models.CourseProgress{},
		stats:       map[string]*models.StudentCourseStats{},
		reports:     map[string]*models.AdminReport{},
		students:    map[string]models.Student{},
	}
	for k, v := range w.enrollments {
		s.enrollments[k] = cloneEnrollment(v)
	}
	for k, v := range w.records {
		s.records[k] = cloneRecord(v)
	}
	for k, v := range w.progress {
		c := *v
		s.progress[k] = &c
	}
	for k, v := range w.stats {
		c := *v
		s.stats[k] = &c
	}
	for k, v := range w.reports {
		c := *v
		s.reports[k] = &c
	}
	for k, v := range w.students {
		s.students[k] = *v
	}
	return s
}

func (w *fakeWorld) restore(s worldState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enrollments = s.enrollments
	w.records = s.records
	w.progress = s.progress
	w.stats = s.stats
	w.reports = s.reports
	for k, v := range s.students {
		student := v
		w.students[k] = &student
	}
}

type fakeTxKey struct{}

// fakeTx restores the world when the outermost function fails.
type fakeTx struct{ w *fakeWorld }

func (t fakeTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(fakeTxKey{}) != nil {
		return fn(ctx)
	}
	state := t.w.snapshot()
	if err := fn(context.WithValue(ctx, fakeTxKey{}, true)); err != nil {
		t.w.restore(state)
		return err
	}
	return nil
}

type fakeEnrollments struct{ w *fakeWorld }

func (f fakeEnrollments) FindByStudentAndCourse(ctx context.Context, studentID, courseID string) (*models.Enrollment, error) {
	if e := f.w.enrollment(studentID, courseID); e != nil {
		return e, nil
	}
	return nil, sql.ErrNoRows
}

func (f fakeEnrollments) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	excluded := map[string]bool{}
	for _, id := range filter.ExcludeCourses {
		excluded[id] = true
	}
	var out []models.Enrollment
	for _, e := range f.w.enrollments {
		switch {
		case filter.StudentID != "" && e.StudentID != filter.StudentID,
			filter.CourseID != "" && e.CourseID != filter.CourseID,
			filter.Status != "" && e.Status != filter.Status,
			filter.Status == "" && !filter.IncludeDelist && e.IsDelisted(),
			excluded[e.CourseID]:
			continue
		}
		out = append(out, *cloneEnrollment(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f fakeEnrollments) CountOtherCourses(ctx context.Context, studentID, courseID string) (int, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	n := 0
	for _, e := range f.w.enrollments {
		if e.StudentID == studentID && e.CourseID != courseID {
			n++
		}
	}
	return n, nil
}

func (f fakeEnrollments) CountActiveByStudent(ctx context.Context, studentID string) (int, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	n := 0
	for _, e := range f.w.enrollments {
		if e.StudentID == studentID && !e.IsDelisted() {
			n++
		}
	}
	return n, nil
}

func (f fakeEnrollments) Insert(ctx context.Context, e *models.Enrollment) error {
	if f.w.raceInsert != nil {
		if winner := f.w.raceInsert(e); winner != nil {
			f.w.mu.Lock()
			f.w.enrollments[winner.ID] = cloneEnrollment(winner)
			f.w.mu.Unlock()
		}
		f.w.raceInsert = nil
	}
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	for _, existing := range f.w.enrollments {
		if existing.StudentID == e.StudentID && existing.CourseID == e.CourseID {
			return appErrors.ErrDuplicateEnrollment
		}
	}
	if e.ID == "" {
		e.ID = f.w.nextID("enr")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = f.w.now.Add(time.Duration(f.w.seq) * time.Microsecond)
	}
	e.UpdatedAt = f.w.now
	f.w.enrollments[e.ID] = cloneEnrollment(e)
	return nil
}

func (f fakeEnrollments) Update(ctx context.Context, e *models.Enrollment) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if f.w.updateErr != nil {
		return f.w.updateErr
	}
	stored, ok := f.w.enrollments[e.ID]
	if !ok {
		return sql.ErrNoRows
	}
	c := cloneEnrollment(e)
	c.CourseProgressID = stored.CourseProgressID
	c.AdminReportID = stored.AdminReportID
	c.StudentCourseStatsID = stored.StudentCourseStatsID
	c.CreatedAt = stored.CreatedAt
	c.UpdatedAt = f.w.now
	f.w.enrollments[e.ID] = c
	return nil
}

func (f fakeEnrollments) UpdateStatus(ctx context.Context, id string, status models.EnrollmentStatus) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	stored, ok := f.w.enrollments[id]
	if !ok {
		return sql.ErrNoRows
	}
	stored.Status = status
	return nil
}

func (f fakeEnrollments) SetDerivedPointer(ctx context.Context, id, column, value string) (bool, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	stored, ok := f.w.enrollments[id]
	if !ok {
		return false, nil
	}
	var field **string
	switch column {
	case repository.PointerCourseProgress:
		field = &stored.CourseProgressID
	case repository.PointerAdminReport:
		field = &stored.AdminReportID
	case repository.PointerStudentCourseStats:
		field = &stored.StudentCourseStatsID
	default:
		return false, fmt.Errorf("unknown pointer %s", column)
	}
	if *field != nil {
		return false, nil
	}
	v := value
	*field = &v
	return true, nil
}

type fakeCatalog struct{ w *fakeWorld }

func (f fakeCatalog) Get(ctx context.Context, courseID string) (*models.Course, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if c, ok := f.w.courses[courseID]; ok {
		copied := *c
		return &copied, nil
	}
	return nil, appErrors.Clone(appErrors.ErrUnknownCourse, "course "+courseID+" not found")
}

type fakeStudents struct{ w *fakeWorld }

func (f fakeStudents) FindByID(ctx context.Context, id string) (*models.Student, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if s, ok := f.w.students[id]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (f fakeStudents) SetOnboardedAt(ctx context.Context, id string, at *time.Time) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	s, ok := f.w.students[id]
	if !ok {
		return sql.ErrNoRows
	}
	s.OnboardedAt = at
	return nil
}

type fakeOnboarding struct{ w *fakeWorld }

func (f fakeOnboarding) find(match func(r *models.OnboardingRecord) bool) (*models.OnboardingRecord, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	var found *models.OnboardingRecord
	for _, r := range f.w.records {
		if match(r) && (found == nil || r.CreatedAt.After(found.CreatedAt)) {
			found = r
		}
	}
	if found == nil {
		return nil, sql.ErrNoRows
	}
	return cloneRecord(found), nil
}

func (f fakeOnboarding) FindActive(ctx context.Context, studentID string) (*models.OnboardingRecord, error) {
	return f.find(func(r *models.OnboardingRecord) bool { return r.StudentID == studentID && r.IsActive })
}

func (f fakeOnboarding) FindRenewalDraft(ctx context.Context, studentID string) (*models.OnboardingRecord, error) {
	return f.find(func(r *models.OnboardingRecord) bool {
		return r.StudentID == studentID && !r.IsActive && r.ArchivedAt == nil
	})
}

func (f fakeOnboarding) FindByKey(ctx context.Context, studentID, key string) (*models.OnboardingRecord, error) {
	return f.find(func(r *models.OnboardingRecord) bool { return r.StudentID == studentID && r.EnrollmentKey == key })
}

func (f fakeOnboarding) ListKeys(ctx context.Context, studentID string) ([]string, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	var keys []string
	for _, r := range f.w.records {
		if r.StudentID == studentID {
			keys = append(keys, r.EnrollmentKey)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f fakeOnboarding) Create(ctx context.Context, record *models.OnboardingRecord) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	for _, r := range f.w.records {
		if r.StudentID == record.StudentID && (r.EnrollmentKey == record.EnrollmentKey || (r.IsActive && record.IsActive)) {
			return appErrors.Clone(appErrors.ErrConflict, "onboarding record already exists")
		}
	}
	record.ID = f.w.nextID("onb")
	record.CreatedAt = f.w.now.Add(time.Duration(f.w.seq) * time.Microsecond)
	record.UpdatedAt = record.CreatedAt
	f.w.records[record.ID] = cloneRecord(record)
	return nil
}

func (f fakeOnboarding) UpdateValue(ctx context.Context, record *models.OnboardingRecord) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	stored, ok := f.w.records[record.ID]
	if !ok {
		return sql.ErrNoRows
	}
	updated := cloneRecord(record)
	updated.IsActive = stored.IsActive
	updated.ArchivedAt = stored.ArchivedAt
	f.w.records[record.ID] = updated
	return nil
}

func (f fakeOnboarding) Archive(ctx context.Context, id string, at time.Time) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	r, ok := f.w.records[id]
	if !ok {
		return sql.ErrNoRows
	}
	r.IsActive = false
	stamp := at
	r.ArchivedAt = &stamp
	return nil
}

func (f fakeOnboarding) ArchiveOtherActive(ctx context.Context, studentID, keepID string, at time.Time) (int64, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	var n int64
	for id, r := range f.w.records {
		if r.StudentID == studentID && id != keepID && r.IsActive {
			r.IsActive = false
			if r.ArchivedAt == nil {
				stamp := at
				r.ArchivedAt = &stamp
			}
			n++
		}
	}
	return n, nil
}

func (f fakeOnboarding) Activate(ctx context.Context, id string) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	r, ok := f.w.records[id]
	if !ok {
		return sql.ErrNoRows
	}
	for _, other := range f.w.records {
		if other.StudentID == r.StudentID && other.ID != id && other.IsActive {
			return errors.New("partial unique index violated: student already has an active record")
		}
	}
	r.IsActive = true
	r.ArchivedAt = nil
	return nil
}

type fakeProgress struct{ w *fakeWorld }

func (f fakeProgress) FindProgress(ctx context.Context, studentID, courseID string) (*models.CourseProgress, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if p, ok := f.w.progress[pairKey(studentID, courseID)]; ok {
		c := *p
		c.Details.Lessons = append([]models.LessonProgress(nil), p.Details.Lessons...)
		return &c, nil
	}
	return nil, sql.ErrNoRows
}

func (f fakeProgress) CreateProgressIfAbsent(ctx context.Context, p *models.CourseProgress) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	key := pairKey(p.StudentID, p.CourseID)
	if _, ok := f.w.progress[key]; ok {
		return nil
	}
	p.ID = f.w.nextID("prog")
	c := *p
	f.w.progress[key] = &c
	return nil
}

func (f fakeProgress) UpdateProgress(ctx context.Context, p *models.CourseProgress) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	c := *p
	c.Details.Lessons = append([]models.LessonProgress(nil), p.Details.Lessons...)
	f.w.progress[pairKey(p.StudentID, p.CourseID)] = &c
	return nil
}

func (f fakeProgress) FindStats(ctx context.Context, studentID, courseID string) (*models.StudentCourseStats, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if s, ok := f.w.stats[pairKey(studentID, courseID)]; ok {
		c := *s
		return &c, nil
	}
	return nil, sql.ErrNoRows
}

func (f fakeProgress) CreateStatsIfAbsent(ctx context.Context, s *models.StudentCourseStats) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	key := pairKey(s.StudentID, s.CourseID)
	if _, ok := f.w.stats[key]; ok {
		return nil
	}
	s.ID = f.w.nextID("stats")
	c := *s
	f.w.stats[key] = &c
	return nil
}

func (f fakeProgress) UpdateStats(ctx context.Context, s *models.StudentCourseStats) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	c := *s
	f.w.stats[pairKey(s.StudentID, s.CourseID)] = &c
	return nil
}

type fakeReports struct{ w *fakeWorld }

func (f fakeReports) Find(ctx context.Context, studentID, courseID string) (*models.AdminReport, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if r, ok := f.w.reports[pairKey(studentID, courseID)]; ok {
		c := *r
		return &c, nil
	}
	return nil, sql.ErrNoRows
}

func (f fakeReports) Upsert(ctx context.Context, r *models.AdminReport) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	key := pairKey(r.StudentID, r.CourseID)
	if existing, ok := f.w.reports[key]; ok {
		r.ID = existing.ID
	} else {
		r.ID = f.w.nextID("report")
		f.w.reportCreates++
	}
	c := *r
	f.w.reports[key] = &c
	return nil
}

type fakeAudit struct{ w *fakeWorld }

func (f fakeAudit) Create(ctx context.Context, entry *models.AuditLog) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	f.w.audits = append(f.w.audits, *entry)
	return nil
}

type fakeNotifier struct{ w *fakeWorld }

func (f fakeNotifier) Send(ctx context.Context, to notify.Recipient, kind notify.TemplateKind, payload map[string]string) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if f.w.sendErr != nil {
		return f.w.sendErr
	}
	f.w.sent = append(f.w.sent, sentNotification{to: to, kind: kind, payload: payload})
	return nil
}

type fakeDocuments struct{ w *fakeWorld }

func (f fakeDocuments) Put(relPath string, data []byte) (string, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	f.w.documents[relPath] = data
	return relPath, nil
}

// testEngine wires every enrollment service over one fakeWorld.
type testEngine struct {
	world       *fakeWorld
	calendar    Calendar
	store       *EnrollmentStore
	cascade     *SemesterCascadeEngine
	progress    *ProgressSyncService
	renewals    *ReEnrollmentService
	coordinator *BulkAssignmentCoordinator
	enrollments *EnrollmentService
	onboarding  *OnboardingService
}

func newTestEngine(w *fakeWorld) *testEngine {
	logger := zap.NewNop()
	calendar := NewCalendar(w.clock, time.UTC)
	tx := fakeTx{w: w}
	repo := fakeEnrollments{w: w}
	catalog := fakeCatalog{w: w}
	students := fakeStudents{w: w}
	audit := NewAuditService(fakeAudit{w: w}, logger)
	dispatcher := NewNotificationDispatcher(fakeNotifier{w: w}, students, nil, logger)

	store := NewEnrollmentStore(repo, catalog, calendar, logger)
	cascade := NewSemesterCascadeEngine(repo, catalog, calendar, logger)
	progress := NewProgressSyncService(tx, repo, fakeProgress{w: w}, fakeReports{w: w}, catalog, calendar, nil, logger)
	renewals := NewReEnrollmentService(tx, fakeOnboarding{w: w}, students, repo, catalog, audit, dispatcher, 12, calendar, nil, logger)
	coordinator := NewBulkAssignmentCoordinator(repo, catalog, store, cascade, renewals, progress, nil, logger)
	enrollments := NewEnrollmentService(EnrollmentServiceParams{
		Tx:          tx,
		Enrollments: repo,
		Students:    students,
		Catalog:     catalog,
		Store:       store,
		Cascade:     cascade,
		Coordinator: coordinator,
		Renewals:    renewals,
		Progress:    progress,
		Audit:       audit,
		Dispatcher:  dispatcher,
		Calendar:    calendar,
		Logger:      logger,
	})
	onboarding := NewOnboardingService(tx, fakeOnboarding{w: w}, students, renewals,
		export.NewAgreementRenderer(""), fakeDocuments{w: w}, storage.NewSignedURLSigner("secret", time.Hour),
		audit, dispatcher, validator.New(), calendar, logger)

	return &testEngine{
		world:       w,
		calendar:    calendar,
		store:       store,
		cascade:     cascade,
		progress:    progress,
		renewals:    renewals,
		coordinator: coordinator,
		enrollments: enrollments,
		onboarding:  onboarding,
	}
}

var (
	testAdmin   = models.Actor{ID: "admin-1", Role: models.RoleAdmin}
	testTrainer = models.Actor{ID: "trainer-1", Role: models.RoleTrainer}
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func boolPtr(v bool) *bool { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func strPtr(s string) *string { return &s }
