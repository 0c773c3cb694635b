package store_test

import (
	"context"
	"fmt"
	"time"

	api "github.com/chainproof/chainproof/api/v1alpha1"
	"github.com/chainproof/chainproof/internal/config"
	"github.com/chainproof/chainproof/internal/store"
	"github.com/chainproof/chainproof/internal/store/model"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

const (
	insertRunStm             = "INSERT INTO runs (id, kind, status, subject_id) VALUES ('%s', '%s', '%s', '%s');"
	insertRunWithWorkerStm   = "INSERT INTO runs (id, kind, status, subject_id, worker_id) VALUES ('%s', '%s', '%s', '%s', '%s');"
	insertRunWithUpdateAtStm = "INSERT INTO runs (id, kind, status, subject_id, updated_at) VALUES ('%s', '%s', '%s', '%s', '%s');"
)

var _ = Describe("run store", Ordered, func() {
	var (
		s      store.Store
		gormdb *gorm.DB
	)

	BeforeAll(func() {
		cfg, err := config.NewDefault()
		Expect(err).To(BeNil())
		db, err := store.InitDB(cfg)
		Expect(err).To(BeNil())

		s = store.NewStore(db)
		gormdb = db

		Expect(s.Run().InitialMigration(context.TODO())).To(BeNil())
	})

	AfterAll(func() {
		s.Close()
	})

	Context("list", func() {
		It("successfuly list all the runs -- without filter and options", func() {
			runID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertRunStm, runID, "scan", "QUEUED", uuid.NewString()))
			Expect(tx.Error).To(BeNil())

			run2ID := uuid.New()
			tx = gormdb.Exec(fmt.Sprintf(insertRunStm, run2ID, "validation", "RUNNING", uuid.NewString()))
			Expect(tx.Error).To(BeNil())

			runs, err := s.Run().List(context.TODO(), store.NewRunQueryFilter(), store.NewRunQueryOptions())
			Expect(err).To(BeNil())
			Expect(runs).To(HaveLen(2))

			Expect(runs[0].ID.String()).Should(BeElementOf(runID.String(), run2ID.String()))
			Expect(runs[0].Kind).Should(BeElementOf("scan", "validation"))
			Expect(runs[1].ID.String()).Should(BeElementOf(runID.String(), run2ID.String()))
		})

		It("list all the runs -- no runs to be found in the db", func() {
			runs, err := s.Run().List(context.TODO(), store.NewRunQueryFilter(), store.NewRunQueryOptions())
			Expect(err).To(BeNil())
			Expect(runs).To(HaveLen(0))
		})

		It("successfuly list the runs -- with filter by status", func() {
			runID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertRunStm, runID, "scan", "RUNNING", uuid.NewString()))
			Expect(tx.Error).To(BeNil())

			run2ID := uuid.New()
			tx = gormdb.Exec(fmt.Sprintf(insertRunStm, run2ID, "scan", "QUEUED", uuid.NewString()))
			Expect(tx.Error).To(BeNil())

			runs, err := s.Run().List(context.TODO(), store.NewRunQueryFilter().ByStatus(string(api.RunStatusRunning)), store.NewRunQueryOptions())
			Expect(err).To(BeNil())
			Expect(runs).To(HaveLen(1))

			Expect(runs[0].ID.String()).To(Equal(runID.String()))
		})

		It("successfuly list the runs -- with filter by worker", func() {
			workerID := uuid.New()
			runID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertRunWithWorkerStm, runID, "scan", "RUNNING", uuid.NewString(), workerID))
			Expect(tx.Error).To(BeNil())

			run2ID := uuid.New()
			tx = gormdb.Exec(fmt.Sprintf(insertRunStm, run2ID, "scan", "QUEUED", uuid.NewString()))
			Expect(tx.Error).To(BeNil())

			runs, err := s.Run().List(context.TODO(), store.NewRunQueryFilter().ByWorkerID(workerID), store.NewRunQueryOptions())
			Expect(err).To(BeNil())
			Expect(runs).To(HaveLen(1))

			Expect(runs[0].ID.String()).To(Equal(runID.String()))
		})

		It("successfuly list the runs -- with options order by updated_at", func() {
			// 24h from now
			runID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertRunWithUpdateAtStm, runID, "scan", "QUEUED", uuid.NewString(), time.Now().Add(24*time.Hour).Format(time.RFC3339)))
			Expect(tx.Error).To(BeNil())

			// this one should be the first
			run2ID := uuid.New()
			tx = gormdb.Exec(fmt.Sprintf(insertRunWithUpdateAtStm, run2ID, "scan", "QUEUED", uuid.NewString(), time.Now().Format(time.RFC3339)))
			Expect(tx.Error).To(BeNil())

			runs, err := s.Run().List(context.TODO(), store.NewRunQueryFilter(), store.NewRunQueryOptions().WithSortOrder(store.SortByUpdatedTime))
			Expect(err).To(BeNil())
			Expect(runs).To(HaveLen(2))

			Expect(runs[0].ID.String()).To(Equal(run2ID.String()))
		})

		AfterEach(func() {
			gormdb.Exec("DELETE FROM runs;")
		})
	})

	Context("create", func() {
		It("successfuly creates a run", func() {
			runID := uuid.New()
			runData := model.Run{
				ID:        runID,
				Kind:      string(api.RunKindScan),
				Status:    string(api.RunStatusQueued),
				SubjectID: uuid.New(),
			}
			run, err := s.Run().Create(context.TODO(), runData)
			Expect(err).To(BeNil())

			count := 0
			tx := gormdb.Raw("SELECT COUNT(*) from runs;").Scan(&count)
			Expect(tx.Error).To(BeNil())
			Expect(count).To(Equal(1))

			Expect(run).ToNot(BeNil())
			Expect(run.ID.String()).To(Equal(runID.String()))
			Expect(run.Status).To(Equal("QUEUED"))
		})

		AfterEach(func() {
			gormdb.Exec("DELETE FROM runs;")
		})
	})

	Context("get", func() {
		It("successfuly return ErrRecordNotFound when run is not found", func() {
			run, err := s.Run().Get(context.TODO(), uuid.New())
			Expect(err).ToNot(BeNil())
			Expect(err).To(Equal(store.ErrRecordNotFound))
			Expect(run).To(BeNil())
		})

		It("successfuly return the run", func() {
			runID := uuid.New()
			subjectID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertRunStm, runID, "scan", "QUEUED", subjectID))
			Expect(tx.Error).To(BeNil())

			run, err := s.Run().Get(context.TODO(), runID)
			Expect(err).To(BeNil())

			Expect(run.ID.String()).To(Equal(runID.String()))
			Expect(run.Kind).To(Equal("scan"))
			Expect(run.Status).To(Equal("QUEUED"))
			Expect(run.SubjectID.String()).To(Equal(subjectID.String()))
		})

		AfterEach(func() {
			gormdb.Exec("DELETE FROM runs;")
		})
	})

	Context("update", func() {
		It("successfuly updates a run -- status field", func() {
			runID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertRunStm, runID, "scan", "RUNNING", uuid.NewString()))
			Expect(tx.Error).To(BeNil())

			now := time.Now().UTC()
			runData := model.Run{
				ID:         runID,
				Status:     string(api.RunStatusSucceeded),
				FinishedAt: &now,
			}

			run, err := s.Run().Update(context.TODO(), runData)
			Expect(err).To(BeNil())
			Expect(run).NotTo(BeNil())
			Expect(run.Status).To(Equal("SUCCEEDED"))

			rawStatus := ""
			gormdb.Raw(fmt.Sprintf("select status from runs where id = '%s';", runID)).Scan(&rawStatus)
			Expect(rawStatus).To(Equal("SUCCEEDED"))
		})

		It("successfuly updates a run -- error fields", func() {
			runID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertRunStm, runID, "scan", "RUNNING", uuid.NewString()))
			Expect(tx.Error).To(BeNil())

			runData := model.Run{
				ID:           runID,
				Status:       string(api.RunStatusFailed),
				ErrorCode:    "COMPILE_FAILED",
				ErrorMessage: "solc exited with status 1",
			}

			run, err := s.Run().Update(context.TODO(), runData)
			Expect(err).To(BeNil())
			Expect(run).NotTo(BeNil())
			Expect(run.ErrorCode).To(Equal("COMPILE_FAILED"))

			rawCode := ""
			gormdb.Raw(fmt.Sprintf("select error_code from runs where id = '%s';", runID)).Scan(&rawCode)
			Expect(rawCode).To(Equal("COMPILE_FAILED"))
		})

		It("fails updates a run -- run is missing", func() {
			runData := model.Run{
				ID:     uuid.New(),
				Status: string(api.RunStatusRunning),
			}

			run, err := s.Run().Update(context.TODO(), runData)
			Expect(err).To(Equal(store.ErrRecordNotFound))
			Expect(run).To(BeNil())
		})

		It("refuses a status write on a run that already finished", func() {
			runID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertRunStm, runID, "scan", "CANCELED", uuid.NewString()))
			Expect(tx.Error).To(BeNil())

			runData := model.Run{
				ID:     runID,
				Status: string(api.RunStatusSucceeded),
			}

			run, err := s.Run().Update(context.TODO(), runData)
			Expect(err).To(Equal(store.ErrRunFinalized))
			Expect(run).To(BeNil())

			rawStatus := ""
			gormdb.Raw(fmt.Sprintf("select status from runs where id = '%s';", runID)).Scan(&rawStatus)
			Expect(rawStatus).To(Equal("CANCELED"))
		})

		AfterEach(func() {
			gormdb.Exec("DELETE FROM runs;")
		})
	})

	Context("claim", func() {
		It("successfuly claims a queued run", func() {
			runID := uuid.New()
			workerID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertRunStm, runID, "scan", "QUEUED", uuid.NewString()))
			Expect(tx.Error).To(BeNil())

			run, err := s.Run().Claim(context.TODO(), runID, workerID)
			Expect(err).To(BeNil())
			Expect(run).NotTo(BeNil())
			Expect(run.Status).To(Equal("RUNNING"))
			Expect(run.WorkerID).NotTo(BeNil())
			Expect(run.WorkerID.String()).To(Equal(workerID.String()))
			Expect(run.StartedAt).NotTo(BeNil())
		})

		It("fails to claim a run already claimed by another worker", func() {
			runID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertRunWithWorkerStm, runID, "scan", "RUNNING", uuid.NewString(), uuid.New()))
			Expect(tx.Error).To(BeNil())

			run, err := s.Run().Claim(context.TODO(), runID, uuid.New())
			Expect(err).ToNot(BeNil())
			Expect(err).To(Equal(store.ErrConcurrentUpdate))
			Expect(run).To(BeNil())
		})

		It("fails to claim a missing run", func() {
			run, err := s.Run().Claim(context.TODO(), uuid.New(), uuid.New())
			Expect(err).ToNot(BeNil())
			Expect(err).To(Equal(store.ErrRecordNotFound))
			Expect(run).To(BeNil())
		})

		AfterEach(func() {
			gormdb.Exec("DELETE FROM runs;")
		})
	})
})
