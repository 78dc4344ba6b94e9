// Package setup holds the host layout the installer works against and the network
// teardown used when Waydroid is removed.
//
// Like a script, it logs through a package-level logger set with SetLogger; no other
// package keeps one.
package setup
