package bbox_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestBbox(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Bbox Suite")
}
