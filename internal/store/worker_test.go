package store_test

import (
	"context"
	"fmt"

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
	insertWorkerStm        = "INSERT INTO workers (id, name, type, status, version) VALUES ('%s', '%s', '%s', '%s', 'version_1');"
	insertWorkerWithRunStm = "INSERT INTO workers (id, name, type, status, current_run_id, version) VALUES ('%s', '%s', '%s', '%s', '%s', 'version_1');"
)

var _ = Describe("worker store", Ordered, func() {
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

		Expect(s.Worker().InitialMigration(context.TODO())).To(BeNil())
	})

	AfterAll(func() {
		s.Close()
	})

	Context("list", func() {
		It("successfuly list all the workers -- without filter and options", func() {
			workerID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertWorkerStm, workerID, "researcher-1", "RESEARCHER", "ONLINE"))
			Expect(tx.Error).To(BeNil())

			worker2ID := uuid.New()
			tx = gormdb.Exec(fmt.Sprintf(insertWorkerStm, worker2ID, "validator-1", "VALIDATOR", "ONLINE"))
			Expect(tx.Error).To(BeNil())

			workers, err := s.Worker().List(context.TODO(), store.NewWorkerQueryFilter(), store.NewWorkerQueryOptions())
			Expect(err).To(BeNil())
			Expect(workers).To(HaveLen(2))

			Expect(workers[0].ID.String()).Should(BeElementOf(workerID.String(), worker2ID.String()))
			Expect(workers[0].Status).To(Equal("ONLINE"))
			Expect(workers[0].Type).Should(BeElementOf("RESEARCHER", "VALIDATOR"))
		})

		It("successfuly list the workers -- with filter by type", func() {
			workerID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertWorkerStm, workerID, "researcher-1", "RESEARCHER", "ONLINE"))
			Expect(tx.Error).To(BeNil())

			worker2ID := uuid.New()
			tx = gormdb.Exec(fmt.Sprintf(insertWorkerStm, worker2ID, "validator-1", "VALIDATOR", "ONLINE"))
			Expect(tx.Error).To(BeNil())

			workers, err := s.Worker().List(context.TODO(), store.NewWorkerQueryFilter().ByType(string(api.WorkerTypeValidator)), store.NewWorkerQueryOptions())
			Expect(err).To(BeNil())
			Expect(workers).To(HaveLen(1))

			Expect(workers[0].ID.String()).To(Equal(worker2ID.String()))
		})

		AfterEach(func() {
			gormdb.Exec("DELETE FROM workers;")
		})
	})

	Context("create", func() {
		It("successfuly creates a worker", func() {
			workerID := uuid.New()
			workerData := model.Worker{
				ID:     workerID,
				Name:   "researcher-1",
				Type:   string(api.WorkerTypeResearcher),
				Status: string(api.WorkerStatusOnline),
			}
			worker, err := s.Worker().Create(context.TODO(), workerData)
			Expect(err).To(BeNil())

			count := 0
			tx := gormdb.Raw("SELECT COUNT(*) from workers;").Scan(&count)
			Expect(tx.Error).To(BeNil())
			Expect(count).To(Equal(1))

			Expect(worker).ToNot(BeNil())
			Expect(worker.ID.String()).To(Equal(workerID.String()))
			Expect(worker.Status).To(Equal("ONLINE"))
		})

		AfterEach(func() {
			gormdb.Exec("DELETE FROM workers;")
		})
	})

	Context("update", func() {
		It("successfuly updates a worker -- status and current run", func() {
			workerID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertWorkerStm, workerID, "researcher-1", "RESEARCHER", "ONLINE"))
			Expect(tx.Error).To(BeNil())

			runID := uuid.New()
			workerData := model.Worker{
				ID:           workerID,
				Status:       string(api.WorkerStatusBusy),
				CurrentRunID: &runID,
			}

			worker, err := s.Worker().Update(context.TODO(), workerData)
			Expect(err).To(BeNil())
			Expect(worker).NotTo(BeNil())
			Expect(worker.Status).To(Equal("BUSY"))

			rawStatus := ""
			gormdb.Raw(fmt.Sprintf("select status from workers where id = '%s';", workerID)).Scan(&rawStatus)
			Expect(rawStatus).To(Equal("BUSY"))
		})

		It("successfuly releases the current run", func() {
			workerID := uuid.New()
			runID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertWorkerWithRunStm, workerID, "researcher-1", "RESEARCHER", "BUSY", runID))
			Expect(tx.Error).To(BeNil())

			err := s.Worker().ClearCurrentRun(context.TODO(), workerID, string(api.WorkerStatusOnline), true)
			Expect(err).To(BeNil())

			worker, err := s.Worker().Get(context.TODO(), workerID)
			Expect(err).To(BeNil())
			Expect(worker.Status).To(Equal("ONLINE"))
			Expect(worker.CurrentRunID).To(BeNil())
			Expect(worker.CompletedCount).To(Equal(1))
		})

		It("fails updates a worker -- worker is missing", func() {
			workerData := model.Worker{
				ID: uuid.New(),
			}

			worker, err := s.Worker().Update(context.TODO(), workerData)
			Expect(err).ToNot(BeNil())
			Expect(worker).To(BeNil())
		})

		AfterEach(func() {
			gormdb.Exec("DELETE FROM workers;")
		})
	})
})
