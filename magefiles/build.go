//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// Generates mocks and compiles every package.
func (Build) All() error {
	mg.Deps(Build.Generate)
	_, err := executeCmd("go", withArgs("build", "./..."), withStream())
	return err
}

// Regenerates the gomock fakes.
func (Build) Generate() error {
	_, err := executeCmd("go", withArgs("generate", "./..."), withStream())
	return err
}

// Builds the demo binary.
func (Build) Demo() error {
	_, err := executeCmd("go", withArgs("build", "-o", "bin/rhidemo", "./cmd/rhidemo"), withStream())
	return err
}
