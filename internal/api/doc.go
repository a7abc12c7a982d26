// Package api provides the site backup REST API: starting and aborting
// backups, reading run history and following live run logs.
//
//	@title						Site Backup API
//	@version					1.0
//	@BasePath					/api/v1
//	@securityDefinitions.apikey	ApiKeyAuth
//	@in							header
//	@name						X-API-Key
package api
