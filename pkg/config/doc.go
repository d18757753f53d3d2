/*
Package config loads gafferd's and gaffer-lookupd's daemon
configuration (spec section 6): listen addresses, optional TLS
material, lookupd addresses for the lookup client, and the set of
jobs to load at startup.

The config file is YAML, resolved the way spec.md describes: the
--config flag, then the GAFFERD_CONFIG environment variable, then
/etc/gaffer, then ~/.gaffer, the first of which names either a YAML
file directly or a directory containing gafferd.yaml. This package
knows nothing about Procfiles or .ini job definitions — those loaders
are external collaborators per spec.md section 1.
*/
package config
