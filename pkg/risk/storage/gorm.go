package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	gorm_mysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// JobModel is the checkpoint row of a FileJob.
type JobModel struct {
	ID        string    `gorm:"column:id;type:varchar(64);primaryKey"`
	Status    string    `gorm:"column:status;type:varchar(20);index"`
	Data      string    `gorm:"column:data;type:mediumtext;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (JobModel) TableName() string { return "risk_jobs" }

type RecordModel struct {
	ID           string    `gorm:"column:id;type:varchar(64);primaryKey"`
	JobID        string    `gorm:"column:job_id;type:varchar(64);not null;index"`
	RowIndex     int       `gorm:"column:row_index"`
	Status       string    `gorm:"column:status;type:varchar(20);index"`
	ScoreVersion uint64    `gorm:"column:score_version"`
	Data         string    `gorm:"column:data;type:mediumtext;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (RecordModel) TableName() string { return "risk_records" }

// EntityModel is keyed by the entity ID, which is derived from the canonical key.
type EntityModel struct {
	ID           string    `gorm:"column:id;type:varchar(64);primaryKey"`
	Key          string    `gorm:"column:canonical_key;type:varchar(512);not null"`
	Type         string    `gorm:"column:type;type:varchar(20);index"`
	ScoreVersion uint64    `gorm:"column:score_version"`
	Data         string    `gorm:"column:data;type:mediumtext;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (EntityModel) TableName() string { return "risk_entities" }

// OpenGorm opens a mysql or sqlite database and migrates the checkpoint tables.
func OpenGorm(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = gorm_mysql.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, errors.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, errors.Wrap(err, "connect db failed")
	}
	if err := db.AutoMigrate(&JobModel{}, &RecordModel{}, &EntityModel{}); err != nil {
		return nil, errors.Wrap(err, "migrate db failed")
	}
	return db, nil
}

// GormRepository implements Repository on gorm, storing each value as a JSON
// document next to the columns it is queried by.
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) SaveJob(ctx context.Context, job *risk.FileJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	m := &JobModel{ID: job.ID, Status: string(job.Status), Data: string(data), CreatedAt: job.CreatedAt, UpdatedAt: job.UpdatedAt}
	return persistErr("save job", r.db.WithContext(ctx).Save(m).Error)
}

func (r *GormRepository) GetJob(ctx context.Context, id string) (*risk.FileJob, error) {
	var m JobModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, persistErr("get job", err)
	}
	var job risk.FileJob
	if err := json.Unmarshal([]byte(m.Data), &job); err != nil {
		return nil, errors.Wrap(err, "decode job")
	}
	return &job, nil
}

func (r *GormRepository) ListJobs(ctx context.Context) ([]*risk.FileJob, error) {
	var models []JobModel
	if err := r.db.WithContext(ctx).Order("created_at, id").Find(&models).Error; err != nil {
		return nil, persistErr("list jobs", err)
	}
	jobs := make([]*risk.FileJob, 0, len(models))
	for _, m := range models {
		var job risk.FileJob
		if err := json.Unmarshal([]byte(m.Data), &job); err != nil {
			return nil, errors.Wrap(err, "decode job")
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (r *GormRepository) DeleteJob(ctx context.Context, id string) error {
	return persistErr("delete job", r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", id).Delete(&RecordModel{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&JobModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return risk.ErrNotFound
		}
		return nil
	}))
}

func (r *GormRepository) SaveRecord(ctx context.Context, rec *risk.TransactionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	m := &RecordModel{
		ID:        rec.ID,
		JobID:     rec.JobID,
		RowIndex:  rec.RowIndex,
		Status:    string(rec.Status),
		Data:      string(data),
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.Score != nil {
		m.ScoreVersion = rec.Score.Version
	}
	return persistErr("save record", r.db.WithContext(ctx).Save(m).Error)
}

func (r *GormRepository) GetRecord(ctx context.Context, id string) (*risk.TransactionRecord, error) {
	var m RecordModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, persistErr("get record", err)
	}
	return decodeRecord(m)
}

func (r *GormRepository) ListRecords(ctx context.Context, jobID string) ([]*risk.TransactionRecord, error) {
	q := r.db.WithContext(ctx).Order("job_id, row_index, id")
	if jobID != "" {
		q = q.Where("job_id = ?", jobID)
	}
	var models []RecordModel
	if err := q.Find(&models).Error; err != nil {
		return nil, persistErr("list records", err)
	}
	out := make([]*risk.TransactionRecord, 0, len(models))
	for _, m := range models {
		rec, err := decodeRecord(m)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *GormRepository) SaveEntity(ctx context.Context, entity *risk.ResolvedEntity) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return err
	}
	m := &EntityModel{
		ID:        entity.ID,
		Key:       entity.Key,
		Type:      string(entity.Type),
		Data:      string(data),
		UpdatedAt: time.Now().UTC(),
	}

	return persistErr("save entity", r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing EntityModel
		err := tx.Select("id", "score_version").First(&existing, "id = ?", m.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if entity.Score != nil {
				m.ScoreVersion = entity.Score.Version
			}
			return tx.Create(m).Error
		}
		if err != nil {
			return err
		}

		m.ScoreVersion = existing.ScoreVersion
		if entity.Score != nil {
			if entity.Score.Version < existing.ScoreVersion {
				return risk.ErrStaleScore
			}
			m.ScoreVersion = entity.Score.Version
		}

		// the version guard also covers writers in other processes
		res := tx.Model(&EntityModel{}).
			Where("id = ? AND score_version <= ?", m.ID, m.ScoreVersion).
			Updates(map[string]interface{}{
				"canonical_key": m.Key,
				"type":          m.Type,
				"score_version": m.ScoreVersion,
				"data":          m.Data,
				"updated_at":    m.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return risk.ErrStaleScore
		}
		return nil
	}))
}

func (r *GormRepository) FindEntity(ctx context.Context, key string) (*risk.ResolvedEntity, error) {
	return r.GetEntity(ctx, risk.EntityID(key))
}

func (r *GormRepository) GetEntity(ctx context.Context, id string) (*risk.ResolvedEntity, error) {
	var m EntityModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, persistErr("get entity", err)
	}
	var e risk.ResolvedEntity
	if err := json.Unmarshal([]byte(m.Data), &e); err != nil {
		return nil, errors.Wrap(err, "decode entity")
	}
	return &e, nil
}

func (r *GormRepository) MaxScoreVersion(ctx context.Context) (uint64, error) {
	var entities, records uint64
	db := r.db.WithContext(ctx)
	if err := db.Model(&EntityModel{}).Select("COALESCE(MAX(score_version), 0)").Scan(&entities).Error; err != nil {
		return 0, persistErr("max entity version", err)
	}
	if err := db.Model(&RecordModel{}).Select("COALESCE(MAX(score_version), 0)").Scan(&records).Error; err != nil {
		return 0, persistErr("max record version", err)
	}
	return max(entities, records), nil
}

func decodeRecord(m RecordModel) (*risk.TransactionRecord, error) {
	var rec risk.TransactionRecord
	if err := json.Unmarshal([]byte(m.Data), &rec); err != nil {
		return nil, errors.Wrap(err, "decode record")
	}
	return &rec, nil
}

// persistErr maps gorm errors onto the domain errors callers branch on.
func persistErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, risk.ErrNotFound):
		return risk.ErrNotFound
	case errors.Is(err, risk.ErrStaleScore):
		return risk.ErrStaleScore
	default:
		return &risk.PersistenceError{Op: op, Err: err}
	}
}
