package store_test

import (
	"context"

	"github.com/chainproof/chainproof/internal/config"
	st "github.com/chainproof/chainproof/internal/store"
	"github.com/chainproof/chainproof/internal/store/model"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

var _ = Describe("Store", Ordered, func() {
	var (
		store  st.Store
		gormDB *gorm.DB
	)

	BeforeAll(func() {
		cfg, err := config.NewDefault()
		Expect(err).To(BeNil())
		db, err := st.InitDB(cfg)
		Expect(err).To(BeNil())
		gormDB = db

		store = st.NewStore(db)
		Expect(store).ToNot(BeNil())

		Expect(store.Protocol().InitialMigration(context.TODO())).To(BeNil())
		Expect(store.Run().InitialMigration(context.TODO())).To(BeNil())
	})

	AfterAll(func() {
		store.Close()
	})

	Context("transaction", func() {
		It("insert a protocol successfully", func() {
			ctx, err := store.NewTransactionContext(context.TODO())
			Expect(err).To(BeNil())

			protocolID := uuid.New()
			m := model.Protocol{
				ID:         protocolID,
				Name:       "vault",
				RepoURL:    "https://git.example.com/vault.git",
				CommitHash: "deadbeef",
			}
			protocol, err := store.Protocol().Create(ctx, m)
			Expect(protocol).ToNot(BeNil())
			Expect(err).To(BeNil())

			// commit
			_, cerr := st.Commit(ctx)
			Expect(cerr).To(BeNil())

			count := 0
			err = gormDB.Raw("SELECT COUNT(*) from protocols;").Scan(&count).Error
			Expect(err).To(BeNil())
			Expect(count).To(Equal(1))
		})

		It("rollback a protocol successfully", func() {
			ctx, err := store.NewTransactionContext(context.TODO())
			Expect(err).To(BeNil())

			m := model.Protocol{
				ID:         uuid.New(),
				Name:       "vault",
				RepoURL:    "https://git.example.com/vault.git",
				CommitHash: "deadbeef",
			}
			protocol, err := store.Protocol().Create(ctx, m)
			Expect(protocol).ToNot(BeNil())
			Expect(err).To(BeNil())

			// count in the same transaction
			protocols, err := store.Protocol().List(ctx, st.NewProtocolQueryFilter(), st.NewProtocolQueryOptions())
			Expect(err).To(BeNil())
			Expect(protocols).NotTo(BeNil())
			Expect(protocols).To(HaveLen(1))

			// rollback
			_, cerr := st.Rollback(ctx)
			Expect(cerr).To(BeNil())

			count := 0
			err = gormDB.Raw("SELECT COUNT(*) from protocols;").Scan(&count).Error
			Expect(err).To(BeNil())
			Expect(count).To(Equal(0))
		})

		It("Seed the database", func() {
			err := store.Seed()
			Expect(err).To(BeNil())

			count := 0
			err = gormDB.Raw("SELECT COUNT(*) from protocols;").Scan(&count).Error
			Expect(err).To(BeNil())
			Expect(count).To(Equal(1))
		})

		AfterEach(func() {
			gormDB.Exec("DELETE from protocols;")
		})
	})
})
