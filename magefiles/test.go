//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Test mg.Namespace

// Runs the unit tests with the race detector.
func (Test) Unit() error {
	_, err := executeCmd("go", withArgs("test", "-race", "-count=1", "./..."), withStream())
	return err
}

// Runs the unit tests without the HAL noop backend.
func (Test) NoGPU() error {
	_, err := executeCmd("go", withArgs("test", "-tags", "nogpu", "./..."), withStream())
	return err
}

// Runs golangci-lint.
func (Test) Lint() error {
	_, err := executeCmd("golangci-lint", withArgs("run", "./..."), withStream())
	return err
}

// Runs the demo on the host backend.
func (Test) Demo() error {
	_, err := executeCmd("go", withArgs("run", "./cmd/rhidemo", "-frames", "240", "-stats", "120"), withStream())
	return err
}
