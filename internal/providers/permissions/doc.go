// Package permissions gates stream subscriptions per app with a casbin
// enforcer. Policies come from a CSV file or from the streams each app
// declares in the catalog; with neither configured AllowAll is used.
package permissions
