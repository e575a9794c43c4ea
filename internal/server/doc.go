// Package server hosts the Fiber HTTP service, the request ID middleware and
// the site description that maps incoming request paths onto the configured
// origin. The offline proxy plugs into the app through ProxyHandler, while
// diagnostics under /-/ bypass it. Keep exports narrow and accept explicit
// dependencies so tests can inject fake handlers.
package server
