package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"sopdesk/pkg/domain"
)

const migrateLockID int64 = 51757001

const (
	defaultDirectoryTable = "public.trace_employees"
	defaultQueryTimeout   = 5 * time.Second
)

type GormStoreOptions struct {
	DirectoryTable  string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
	SkipMigration   bool
}

type GormStoreOption func(*GormStoreOptions)

// WithDirectoryTable overrides the roster table name.
func WithDirectoryTable(table string) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.DirectoryTable = table
	}
}

// WithPool bounds the underlying sql.DB pool. Zero values keep driver defaults.
func WithPool(maxOpen, maxIdle int, maxLifetime time.Duration) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.MaxOpenConns = maxOpen
		opts.MaxIdleConns = maxIdle
		opts.ConnMaxLifetime = maxLifetime
	}
}

// WithQueryTimeout bounds every store call.
func WithQueryTimeout(timeout time.Duration) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.QueryTimeout = timeout
	}
}

// WithoutMigration skips the sop_requests auto-migration on open.
func WithoutMigration() GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.SkipMigration = true
	}
}

// GormStore implements RequestStore and EmployeeDirectory using GORM + Postgres.
type GormStore struct {
	db             *gorm.DB
	directoryTable string
	timeout        time.Duration
	clock          func() time.Time
}

var (
	_ RequestStore      = (*GormStore)(nil)
	_ EmployeeDirectory = (*GormStore)(nil)
)

// NewGormStore opens the DB, applies pool limits and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := resolveOptions(options)

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, classify("open db", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if !opts.SkipMigration {
		if err := withMigrationLock(db, func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&SopRequestModel{}); err != nil {
				return fmt.Errorf("auto migrate: %w", err)
			}
			return nil
		}); err != nil {
			_ = sqlDB.Close()
			return nil, classify("migrate", err)
		}
	}
	return newGormStore(db, opts), nil
}

func resolveOptions(options []GormStoreOption) GormStoreOptions {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	if strings.TrimSpace(opts.DirectoryTable) == "" {
		opts.DirectoryTable = defaultDirectoryTable
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	return opts
}

func newGormStore(db *gorm.DB, opts GormStoreOptions) *GormStore {
	return &GormStore{
		db:             db,
		directoryTable: opts.DirectoryTable,
		timeout:        opts.QueryTimeout,
		clock:          systemClock,
	}
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Ping reports whether the database answers.
func (s *GormStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	sqlDB, err := s.db.DB()
	if err != nil {
		return classify("ping", err)
	}
	return classify("ping", sqlDB.PingContext(ctx))
}

// Close releases the pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Create inserts a new request and returns it with its generated id.
func (s *GormStore) Create(ctx context.Context, req domain.SopRequest) (domain.SopRequest, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	req = prepareNew(req, s.clock())
	model, err := requestToModel(req)
	if err != nil {
		return domain.SopRequest{}, invalidArgument("attachment info is not serializable")
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&model).Error
	})
	if err != nil {
		return domain.SopRequest{}, classify("create request", err)
	}
	req.ID = model.ID
	return req, nil
}

// Count returns the number of stored requests.
func (s *GormStore) Count(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var count int64
	if err := s.db.WithContext(ctx).Model(&SopRequestModel{}).Count(&count).Error; err != nil {
		return 0, classify("count requests", err)
	}
	return count, nil
}

// ListRecent returns the newest requests first.
func (s *GormStore) ListRecent(ctx context.Context, limit int) ([]domain.SopRequest, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var models []SopRequestModel
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Limit(ClampRecent(limit)).
		Find(&models).Error
	if err != nil {
		return nil, classify("list requests", err)
	}
	res := make([]domain.SopRequest, 0, len(models))
	for _, m := range models {
		res = append(res, requestFromModel(m))
	}
	return res, nil
}

// UpdateStatus sets status and reason. completed_on is written only when the
// new status is Completed and is never cleared.
func (s *GormStore) UpdateStatus(ctx context.Context, id int64, status domain.RequestStatus, reason string) (domain.StatusUpdate, error) {
	if err := validateStatusUpdate(id, status, reason); err != nil {
		return domain.StatusUpdate{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.clock()
	update := domain.StatusUpdate{ID: id, Status: status, LastUpdated: now}
	values := map[string]any{
		"status":       string(status),
		"reason":       reason,
		"last_updated": now,
	}
	if status == domain.StatusCompleted {
		values["completed_on"] = now
		update.CompletedOn = &now
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return updateOne(tx, id, values)
	})
	if err != nil {
		return domain.StatusUpdate{}, classify("update status", err)
	}
	return update, nil
}

// UpdateAssignment sets assigned_to and refreshes last_updated.
func (s *GormStore) UpdateAssignment(ctx context.Context, id int64, assignedTo string) (time.Time, error) {
	if err := validateAssignment(id, assignedTo); err != nil {
		return time.Time{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.clock()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return updateOne(tx, id, map[string]any{
			"assigned_to":  assignedTo,
			"last_updated": now,
		})
	})
	if err != nil {
		return time.Time{}, classify("update assignment", err)
	}
	return now, nil
}

// updateOne returns ErrNotFound when nothing matched so the enclosing
// transaction rolls back.
func updateOne(tx *gorm.DB, id int64, values map[string]any) error {
	res := tx.Model(&SopRequestModel{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("request %d: %w", id, ErrNotFound)
	}
	return nil
}

// AuthType returns the stored auth type of a request.
func (s *GormStore) AuthType(ctx context.Context, id int64) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var model SopRequestModel
	err := s.db.WithContext(ctx).Select("id", "auth_type").First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("request %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", classify("load auth type", err)
	}
	return model.AuthType, nil
}

// Suggest returns employees whose email starts with prefix.
func (s *GormStore) Suggest(ctx context.Context, prefix string) ([]domain.Employee, error) {
	prefix, ok := NormalizePrefix(prefix)
	if !ok {
		return []domain.Employee{}, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var models []EmployeeModel
	err := s.db.WithContext(ctx).
		Table(s.directoryTable).
		Select("u_email", "name", "dv_manager").
		Where("u_email ILIKE ?", escapeLike(prefix)+"%").
		Limit(MaxSuggestions).
		Find(&models).Error
	if err != nil {
		return nil, classify("suggest employees", err)
	}
	res := make([]domain.Employee, 0, len(models))
	for _, m := range models {
		res = append(res, employeeFromModel(m))
	}
	return res, nil
}

// ResolveManagerEmail looks up a manager by exact name.
func (s *GormStore) ResolveManagerEmail(ctx context.Context, managerName string) (string, bool, error) {
	managerName = strings.TrimSpace(managerName)
	if managerName == "" {
		return "", false, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var models []EmployeeModel
	err := s.db.WithContext(ctx).
		Table(s.directoryTable).
		Select("u_email", "name", "dv_manager").
		Where("name = ?", managerName).
		Limit(1).
		Find(&models).Error
	if err != nil {
		return "", false, classify("resolve manager", err)
	}
	if len(models) == 0 {
		return "", false, nil
	}
	return models[0].Email, true, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
