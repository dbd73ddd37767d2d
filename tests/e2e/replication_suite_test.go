package e2e_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestReplicationSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Replication E2E Suite")
}
