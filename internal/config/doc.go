// Package config loads the deviceauth module configuration.
//
// Values come from DEVICEAUTH_* environment variables (kelseyhightower/envconfig,
// with defaults from struct tags) and, when DEVICEAUTH_CONFIG_FILE is set, from a
// YAML file. A variable that is explicitly set in the environment wins over the file.
//
//	DEVICEAUTH_QUALIFIER_STATIC_SECRET=...
//	DEVICEAUTH_QUALIFIER_AAD_FLAG=yes
//	DEVICEAUTH_ACTIVATION_DEVICE_ID_PREFIX=HM
//	DEVICEAUTH_STORE_DRIVER=sqlite
//	DEVICEAUTH_STORE_DSN=file:deviceauth.db
//
// The static secret can be carried sealed (scrypt + AES-256-GCM, see
// security.SealSecret) in QUALIFIER_SEALED_SECRET with the sealing salt in
// QUALIFIER_SEAL_SALT; QualifierConfig.Secret opens it on demand.
package config
