package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunReassembleRequiresInterfaceOrReadFile(t *testing.T) {
	reassembleInterfaceFlag = ""
	reassembleReadFileFlag = ""
	reassembleWorkersFlag = 1

	err := runReassemble(reassembleCmd, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "--interface")
}

func TestRunReassembleRejectsZeroWorkers(t *testing.T) {
	reassembleInterfaceFlag = "lo"
	reassembleReadFileFlag = ""
	reassembleWorkersFlag = 0

	err := runReassemble(reassembleCmd, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "--workers")
}

func TestCaptureNameFromReadFile(t *testing.T) {
	reassembleReadFileFlag = "/tmp/capture-20260101.pcap"
	defer func() { reassembleReadFileFlag = "" }()

	assert.Equal(t, "capture-20260101.pcap", captureName())
}

func TestCaptureNameFromInterfaceIsUnique(t *testing.T) {
	reassembleReadFileFlag = ""
	reassembleInterfaceFlag = "eth0"
	defer func() { reassembleInterfaceFlag = "" }()

	first := captureName()
	second := captureName()
	assert.NotEqual(t, first, second, "capture names from a live interface must be unique across runs")
}
