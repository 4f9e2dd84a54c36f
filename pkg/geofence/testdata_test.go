package geofence

const testGeofencesYAML = `
geofences:
  - id: depot
    companyId: c1
    name: Main depot
    priority: 10
    alertOnEntry: true
    alertOnExit: true
    active: true
    boundary:
      - {latitude: 40.70, longitude: -74.02}
      - {latitude: 40.70, longitude: -74.00}
      - {latitude: 40.72, longitude: -74.00}
      - {latitude: 40.72, longitude: -74.02}
  - id: quiet-zone
    companyId: c1
    name: No alerts
    priority: 1
    active: true
    boundary:
      - {latitude: 40.69, longitude: -74.03}
      - {latitude: 40.69, longitude: -73.99}
      - {latitude: 40.73, longitude: -73.99}
      - {latitude: 40.73, longitude: -74.03}
  - id: retired
    companyId: c1
    name: Old yard
    alertOnEntry: true
    alertOnExit: true
    active: false
    boundary:
      - {latitude: 40.70, longitude: -74.02}
      - {latitude: 40.70, longitude: -74.00}
      - {latitude: 40.72, longitude: -74.00}
      - {latitude: 40.72, longitude: -74.02}
  - id: other-company
    companyId: c2
    name: Elsewhere
    alertOnEntry: true
    active: true
    boundary:
      - {latitude: 40.70, longitude: -74.02}
      - {latitude: 40.70, longitude: -74.00}
      - {latitude: 40.72, longitude: -74.00}
`
