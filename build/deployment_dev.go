//go:build !prod
// +build !prod

package build

// Deployment specifies a development deployment.
const Deployment = Development
