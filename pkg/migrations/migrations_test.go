package migrations_test

import (
	"context"
	"fmt"
	"os"
	"path"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"github.com/chainproof/chainproof/internal/config"
	"github.com/chainproof/chainproof/internal/store"
	"github.com/chainproof/chainproof/pkg/migrations"
)

func TestMigrations(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Migrations Suite")
}

var _ = Describe("migrations", Ordered, func() {
	var (
		s      store.Store
		gormdb *gorm.DB
		pool   *pgxpool.Pool
	)

	BeforeAll(func() {
		cfg, err := config.NewDefault()
		Expect(err).To(BeNil())
		db, err := store.InitDB(cfg)
		Expect(err).To(BeNil())

		s = store.NewStore(db)
		gormdb = db

		dsn := fmt.Sprintf("host=%s user=%s password=%s port=%s dbname=%s",
			cfg.Database.Hostname,
			cfg.Database.User,
			cfg.Database.Password,
			cfg.Database.Port,
			cfg.Database.Name,
		)
		poolCfg, err := pgxpool.ParseConfig(dsn)
		Expect(err).To(BeNil())
		pool, err = pgxpool.NewWithConfig(context.Background(), poolCfg)
		Expect(err).To(BeNil())
	})

	AfterAll(func() {
		pool.Close()
		s.Close()
	})

	Context("store migrations", Ordered, func() {
		It("fails to migrate the db -- migration folder does not exist", func() {
			err := migrations.MigrateStore(gormdb, "some folder", pool)
			Expect(err).NotTo(BeNil())
		})

		It("fails to migrate the db -- migration folder is a file", func() {
			f, err := os.CreateTemp("", "migrations")
			Expect(err).To(BeNil())
			defer os.Remove(f.Name())

			err = migrations.MigrateStore(gormdb, f.Name(), pool)
			Expect(err).NotTo(BeNil())
		})

		It("successfully migrates the db", func() {
			currentFolder, err := os.Getwd()
			Expect(err).To(BeNil())

			err = migrations.MigrateStore(gormdb, path.Join(currentFolder, "sql"), pool)
			Expect(err).To(BeNil())

			tableExists := func(name string) bool {
				exists := false
				tx := gormdb.Raw(fmt.Sprintf("SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' and tablename = '%s');", name)).Scan(&exists)
				Expect(tx.Error).To(BeNil())

				return exists
			}

			for _, table := range []string{"protocols", "runs", "steps", "findings", "proofs", "workers", "river_job"} {
				Expect(tableExists(table)).To(BeTrue())
			}
		})

		AfterEach(func() {
			gormdb.Exec("DROP TABLE IF EXISTS steps;")
			gormdb.Exec("DROP TABLE IF EXISTS proofs;")
			gormdb.Exec("DROP TABLE IF EXISTS findings;")
			gormdb.Exec("DROP TABLE IF EXISTS runs;")
			gormdb.Exec("DROP TABLE IF EXISTS protocols;")
			gormdb.Exec("DROP TABLE IF EXISTS workers;")
			gormdb.Exec("DROP TABLE IF EXISTS goose_db_version;")
		})
	})
})
