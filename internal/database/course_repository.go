package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manabihq/manabi/internal/cache"
)

const courseColumns = "id, title, description, instructor_id, category, published, created_at, updated_at"

var courseSchema = []string{
	`CREATE TABLE IF NOT EXISTS courses (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		instructor_id TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		published BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_courses_category ON courses (category)`,
	`CREATE INDEX IF NOT EXISTS idx_courses_instructor ON courses (instructor_id)`,
	`CREATE INDEX IF NOT EXISTS idx_courses_created_at ON courses (created_at)`,
}

// Course is one row of the course catalog.
type Course struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	InstructorID string    `json:"instructor_id"`
	Category     string    `json:"category"`
	Published    bool      `json:"published"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CourseListOptions filters and paginates List.
type CourseListOptions struct {
	Category      string
	InstructorID  string
	PublishedOnly bool
	Limit         int
	Cursor        string
	Descending    bool
}

// CourseRepository reads the catalog through the batch loader and the
// result cache, so hot paths coalesce and repeat reads stay off the
// database.
type CourseRepository struct {
	logger    *zap.Logger
	db        *DB
	optimizer *QueryOptimizer
	loader    *Loader[Course]
}

// NewCourseRepository wires the repository. The loader gets its own cache
// prefix so invalidation stays scoped to courses.
func NewCourseRepository(logger *zap.Logger, db *DB, optimizer *QueryOptimizer, store cache.Store, metrics *Metrics, loaderConfig *LoaderConfig) *CourseRepository {
	if loaderConfig == nil {
		loaderConfig = DefaultLoaderConfig()
		loaderConfig.CachePrefix = "course:"
	}

	r := &CourseRepository{
		logger:    logger,
		db:        db,
		optimizer: optimizer,
	}
	r.loader = NewLoader[Course](logger, loaderConfig, store, metrics, r.fetchByIDs)
	return r
}

// EnsureSchema creates the courses table and its indexes.
func (r *CourseRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range courseSchema {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply course schema: %w", err)
		}
	}
	return nil
}

// Create inserts a course. A missing ID is generated and timestamps are
// stamped here so callers cannot produce unordered cursors.
func (r *CourseRepository) Create(ctx context.Context, course *Course) error {
	if course.ID == "" {
		course.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	course.CreatedAt = now
	course.UpdatedAt = now

	query := fmt.Sprintf(`INSERT INTO courses (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, courseColumns)
	if _, err := r.db.Exec(ctx, query,
		course.ID, course.Title, course.Description, course.InstructorID,
		course.Category, course.Published, course.CreatedAt, course.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to create course: %w", err)
	}

	r.invalidateLists()
	return nil
}

// GetByID loads one course through the batch loader.
func (r *CourseRepository) GetByID(ctx context.Context, id string) (*Course, error) {
	course, err := r.loader.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if course.ID == "" {
		return nil, ErrNotFound
	}
	return &course, nil
}

// GetByIDs loads many courses in one coalesced batch. Missing IDs are
// dropped from the result, the order of found courses follows ids.
func (r *CourseRepository) GetByIDs(ctx context.Context, ids []string) ([]Course, error) {
	loaded, err := r.loader.LoadMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	courses := make([]Course, 0, len(loaded))
	for _, course := range loaded {
		if course.ID != "" {
			courses = append(courses, course)
		}
	}
	return courses, nil
}

// List pages through the catalog with a keyset cursor on created_at. The
// query runs through the optimizer, so identical pages are served from the
// result cache until a write invalidates them.
func (r *CourseRepository) List(ctx context.Context, opts CourseListOptions) (*Page[Course], error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	var conditions []string
	var args []interface{}

	if opts.Category != "" {
		args = append(args, opts.Category)
		conditions = append(conditions, fmt.Sprintf("category = $%d", len(args)))
	}
	if opts.InstructorID != "" {
		args = append(args, opts.InstructorID)
		conditions = append(conditions, fmt.Sprintf("instructor_id = $%d", len(args)))
	}
	if opts.PublishedOnly {
		args = append(args, true)
		conditions = append(conditions, fmt.Sprintf("published = $%d", len(args)))
	}

	direction := "asc"
	if opts.Descending {
		direction = "desc"
	}
	if opts.Cursor != "" {
		placeholder := fmt.Sprintf("$%d", len(args)+1)
		condition, value, err := CursorCondition(opts.Cursor, "created_at", direction, placeholder)
		if err != nil {
			return nil, err
		}
		// Bind a time.Time so the driver compares timestamps natively
		// instead of comparing the cursor's string form.
		if raw, ok := value.(string); ok {
			if ts, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
				value = ts
			}
		}
		args = append(args, value)
		conditions = append(conditions, condition)
	}

	query := fmt.Sprintf("SELECT %s FROM courses", courseColumns)
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY created_at %s LIMIT $%d", strings.ToUpper(direction), len(args))

	rows, err := r.optimizer.Execute(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list courses: %w", err)
	}

	courses := make([]Course, 0, len(rows))
	for _, row := range rows {
		course, err := courseFromRow(row)
		if err != nil {
			return nil, err
		}
		courses = append(courses, course)
	}

	page := BuildPage(courses, limit, func(c Course) interface{} { return c.CreatedAt })
	return &page, nil
}

// Update rewrites every mutable column and bumps updated_at.
func (r *CourseRepository) Update(ctx context.Context, course *Course) error {
	course.UpdatedAt = time.Now().UTC()

	result, err := r.db.Exec(ctx,
		`UPDATE courses SET title = $1, description = $2, instructor_id = $3,
			category = $4, published = $5, updated_at = $6 WHERE id = $7`,
		course.Title, course.Description, course.InstructorID,
		course.Category, course.Published, course.UpdatedAt, course.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update course: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}

	r.loader.ClearCache(course.ID)
	r.invalidateLists()
	return nil
}

// Delete removes a course.
func (r *CourseRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.Exec(ctx, `DELETE FROM courses WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete course: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}

	r.loader.ClearCache(id)
	r.invalidateLists()
	return nil
}

// LoaderStats exposes the batch loader counters.
func (r *CourseRepository) LoaderStats() map[string]interface{} {
	return r.loader.Stats()
}

func (r *CourseRepository) invalidateLists() {
	if r.optimizer == nil {
		return
	}
	if _, err := r.optimizer.InvalidateResults(); err != nil {
		r.logger.Debug("Failed to invalidate cached course lists", zap.Error(err))
	}
}

// fetchByIDs is the loader's batch fetch. The result is aligned to ids,
// missing rows stay zero valued.
func (r *CourseRepository) fetchByIDs(ctx context.Context, ids []string) ([]Course, error) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	query := fmt.Sprintf("SELECT %s FROM courses WHERE id IN (%s)",
		courseColumns, strings.Join(placeholders, ", "))
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch courses: %w", err)
	}

	byID := make(map[string]Course, len(rows))
	for _, row := range rows {
		course, err := courseFromRow(row)
		if err != nil {
			return nil, err
		}
		byID[course.ID] = course
	}

	courses := make([]Course, len(ids))
	for i, id := range ids {
		courses[i] = byID[id]
	}
	return courses, nil
}

// courseFromRow tolerates both live driver values and values that came
// back from the JSON result cache.
func courseFromRow(row Row) (Course, error) {
	createdAt, err := rowTime(row, "created_at")
	if err != nil {
		return Course{}, err
	}
	updatedAt, err := rowTime(row, "updated_at")
	if err != nil {
		return Course{}, err
	}

	return Course{
		ID:           rowString(row, "id"),
		Title:        rowString(row, "title"),
		Description:  rowString(row, "description"),
		InstructorID: rowString(row, "instructor_id"),
		Category:     rowString(row, "category"),
		Published:    rowBool(row, "published"),
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}

func rowString(row Row, key string) string {
	if s, ok := row[key].(string); ok {
		return s
	}
	return ""
}

func rowBool(row Row, key string) bool {
	switch v := row[key].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case float64:
		return v != 0
	default:
		return false
	}
}

var rowTimeFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
}

func rowTime(row Row, key string) (time.Time, error) {
	switch v := row[key].(type) {
	case time.Time:
		return v, nil
	case string:
		for _, format := range rowTimeFormats {
			if ts, err := time.Parse(format, v); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable %s value %q", key, v)
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unexpected %s type %T", key, v)
	}
}
