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
	insertFindingStm = "INSERT INTO findings (id, run_id, protocol_id, vulnerability_type, severity, status) VALUES ('%s', '%s', '%s', '%s', '%s', '%s');"
	insertProofStm   = "INSERT INTO proofs (id, finding_id, payload, payload_hash, status) VALUES ('%s', '%s', 'payload', 'hash', '%s');"
)

var _ = Describe("finding store", Ordered, func() {
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

		Expect(s.Finding().InitialMigration(context.TODO())).To(BeNil())
		Expect(s.Proof().InitialMigration(context.TODO())).To(BeNil())
	})

	AfterAll(func() {
		s.Close()
	})

	Context("list", func() {
		It("successfuly list the findings -- with filter by run", func() {
			runID := uuid.New()
			findingID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertFindingStm, findingID, runID, uuid.NewString(), "reentrancy", "high", "PENDING"))
			Expect(tx.Error).To(BeNil())

			finding2ID := uuid.New()
			tx = gormdb.Exec(fmt.Sprintf(insertFindingStm, finding2ID, uuid.NewString(), uuid.NewString(), "overflow", "medium", "PENDING"))
			Expect(tx.Error).To(BeNil())

			findings, err := s.Finding().List(context.TODO(), store.NewFindingQueryFilter().ByRunID(runID), store.NewFindingQueryOptions())
			Expect(err).To(BeNil())
			Expect(findings).To(HaveLen(1))

			Expect(findings[0].ID.String()).To(Equal(findingID.String()))
			Expect(findings[0].VulnerabilityType).To(Equal("reentrancy"))
		})

		It("successfuly list the findings -- with filter by status", func() {
			findingID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertFindingStm, findingID, uuid.NewString(), uuid.NewString(), "reentrancy", "high", "VALIDATED"))
			Expect(tx.Error).To(BeNil())

			finding2ID := uuid.New()
			tx = gormdb.Exec(fmt.Sprintf(insertFindingStm, finding2ID, uuid.NewString(), uuid.NewString(), "overflow", "medium", "PENDING"))
			Expect(tx.Error).To(BeNil())

			findings, err := s.Finding().List(context.TODO(), store.NewFindingQueryFilter().ByStatus(string(api.FindingStatusValidated)), store.NewFindingQueryOptions())
			Expect(err).To(BeNil())
			Expect(findings).To(HaveLen(1))

			Expect(findings[0].ID.String()).To(Equal(findingID.String()))
		})

		AfterEach(func() {
			gormdb.Exec("DELETE FROM findings;")
		})
	})

	Context("create", func() {
		It("successfuly creates a finding", func() {
			findingID := uuid.New()
			findingData := model.Finding{
				ID:                findingID,
				RunID:             uuid.New(),
				ProtocolID:        uuid.New(),
				VulnerabilityType: "reentrancy",
				Severity:          string(api.FindingSeverityHigh),
				FilePath:          "contracts/Vault.sol",
				Line:              42,
				Description:       "state written after external call",
				ConfidenceScore:   0.87,
				Status:            string(api.FindingStatusPending),
			}
			finding, err := s.Finding().Create(context.TODO(), findingData)
			Expect(err).To(BeNil())

			count := 0
			tx := gormdb.Raw("SELECT COUNT(*) from findings;").Scan(&count)
			Expect(tx.Error).To(BeNil())
			Expect(count).To(Equal(1))

			Expect(finding).ToNot(BeNil())
			Expect(finding.ID.String()).To(Equal(findingID.String()))
			Expect(finding.Status).To(Equal("PENDING"))
		})

		AfterEach(func() {
			gormdb.Exec("DELETE FROM findings;")
		})
	})

	Context("update", func() {
		It("successfuly updates a finding -- status field", func() {
			findingID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertFindingStm, findingID, uuid.NewString(), uuid.NewString(), "reentrancy", "high", "PENDING"))
			Expect(tx.Error).To(BeNil())

			findingData := model.Finding{
				ID:     findingID,
				Status: string(api.FindingStatusRejected),
			}

			finding, err := s.Finding().Update(context.TODO(), findingData)
			Expect(err).To(BeNil())
			Expect(finding).NotTo(BeNil())

			rawStatus := ""
			gormdb.Raw(fmt.Sprintf("select status from findings where id = '%s';", findingID)).Scan(&rawStatus)
			Expect(rawStatus).To(Equal("REJECTED"))
		})

		AfterEach(func() {
			gormdb.Exec("DELETE FROM findings;")
		})
	})

	Context("proofs", func() {
		It("successfuly returns the proof tied to a finding", func() {
			findingID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertFindingStm, findingID, uuid.NewString(), uuid.NewString(), "reentrancy", "high", "PENDING"))
			Expect(tx.Error).To(BeNil())

			proofID := uuid.New()
			tx = gormdb.Exec(fmt.Sprintf(insertProofStm, proofID, findingID, "CREATED"))
			Expect(tx.Error).To(BeNil())

			proof, err := s.Proof().GetByFinding(context.TODO(), findingID)
			Expect(err).To(BeNil())
			Expect(proof.ID.String()).To(Equal(proofID.String()))
			Expect(proof.Status).To(Equal("CREATED"))
		})

		It("successfuly return ErrRecordNotFound when the finding has no proof", func() {
			proof, err := s.Proof().GetByFinding(context.TODO(), uuid.New())
			Expect(err).ToNot(BeNil())
			Expect(err).To(Equal(store.ErrRecordNotFound))
			Expect(proof).To(BeNil())
		})

		It("successfuly advances a proof status", func() {
			findingID := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertFindingStm, findingID, uuid.NewString(), uuid.NewString(), "reentrancy", "high", "PENDING"))
			Expect(tx.Error).To(BeNil())

			proofID := uuid.New()
			tx = gormdb.Exec(fmt.Sprintf(insertProofStm, proofID, findingID, "CREATED"))
			Expect(tx.Error).To(BeNil())

			proofData := model.Proof{
				ID:     proofID,
				Status: string(api.ProofStatusSubmitted),
			}
			proof, err := s.Proof().Update(context.TODO(), proofData)
			Expect(err).To(BeNil())
			Expect(proof).NotTo(BeNil())

			rawStatus := ""
			gormdb.Raw(fmt.Sprintf("select status from proofs where id = '%s';", proofID)).Scan(&rawStatus)
			Expect(rawStatus).To(Equal("SUBMITTED"))
		})

		AfterEach(func() {
			gormdb.Exec("DELETE FROM proofs;")
			gormdb.Exec("DELETE FROM findings;")
		})
	})
})
