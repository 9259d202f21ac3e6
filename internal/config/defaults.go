package config

import "sagestar/internal/flat"

// Default returns the built-in mapping for the Sage sales (ventes) and
// purchases (achats) extracts. Column names are the headers produced by the
// cleaning stage.
func Default() Pipeline {
	return Pipeline{
		Job: "sagestar",
		Runtime: Runtime{
			ChunkSize:      1000,
			ConnectRetries: 3,
		},
		Storage: Storage{
			Kind:   "postgres",
			DSN:    "${DATABASE_URL}",
			Ledger: true,
		},
		Output: Output{
			Dir: "data/processed",
		},
		Metrics: Metrics{
			Backend: "none",
		},
		Sets: []StarSchema{ventes(), achats()},
	}
}

func ventes() StarSchema {
	return StarSchema{
		Name:   "ventes",
		Schema: "ventes",
		Source: Source{
			Path:     "data/processed/tabla_generale_ventes.csv",
			Format:   "csv",
			Encoding: "utf-8",
		},
		Dimensions: []DimensionConfig{
			{
				Table:        "dim_famillesarticles",
				SurrogateKey: "id_famille",
				NaturalKey:   KeyConfig{Column: "code_famille", Source: "Code Famille", Type: flat.TypeText},
				Attributes: []AttributeConfig{
					{Column: "libelle_famille", Source: "famille article libellé"},
					{Column: "libelle_sous_famille", Source: "sous-famille article libellé"},
				},
			},
			{
				Table:        "dim_article",
				SurrogateKey: "dim_article_id",
				NaturalKey:   KeyConfig{Column: "code_article", Source: "code article", Type: flat.TypeText},
				Attributes: []AttributeConfig{
					{Column: "designation", Source: "Désignation"},
				},
				Parents: []ParentConfig{
					{Column: "id_famille", Dimension: "dim_famillesarticles", Source: "Code Famille"},
				},
			},
			{
				Table:        "dim_client",
				SurrogateKey: "dim_client_id",
				NaturalKey:   KeyConfig{Column: "code_client", Source: "Code client", Type: flat.TypeText},
				Attributes: []AttributeConfig{
					{Column: "raison_sociale", Source: "Raison sociale"},
					{Column: "famille_client", Source: "Famille client"},
					{Column: "responsable_dossier", Source: "Responsable dossier"},
					{Column: "representant", Source: "Representant"},
				},
			},
			{
				Table:        "dim_temps",
				SurrogateKey: "dim_temps_id",
				NaturalKey:   KeyConfig{Column: "date_cle", Source: "Date BL", Type: flat.TypeDate},
				Attributes: []AttributeConfig{
					{Column: "annee", Derive: DeriveYear},
					{Column: "mois", Derive: DeriveMonth},
					{Column: "jour", Derive: DeriveDay},
				},
				Order: OrderChronological,
			},
		},
		Fact: FactConfig{
			Table: "fact_ventes",
			Columns: []FactColumn{
				{Column: "dl_no", Source: "N° Ligne doc", Type: flat.TypeInteger},
				{Column: "num_cde", Source: "N° Cde", Type: flat.TypeInteger},
				{Column: "date_bl", Source: "Date BL", Type: flat.TypeDate},
				{Column: "num_bl", Source: "N° BL", Type: flat.TypeText},
				{Column: "qte_vendue", Source: "Qté fact", Type: flat.TypeDecimal},
				{Column: "prix_unitaire", Source: "Prix Unitaire", Type: flat.TypeDecimal},
				{Column: "montant_ht", Source: "Tot HT", Type: flat.TypeDecimal},
				{Column: "dim_client_id", Source: "Code client", Dimension: "dim_client"},
				{Column: "dim_article_id", Source: "code article", Dimension: "dim_article"},
				{Column: "dim_temps_id", Source: "Date BL", Dimension: "dim_temps"},
			},
			Mode:        ModeReplace,
			DocumentKey: []string{"dl_no"},
		},
	}
}

func achats() StarSchema {
	empty := ""
	return StarSchema{
		Name:   "achats",
		Schema: "achats",
		Source: Source{
			Path:     "data/processed/tabla_generale_achats.csv",
			Format:   "csv",
			Encoding: "utf-8",
			DayFirst: true,
		},
		Dimensions: []DimensionConfig{
			{
				Table:        "dim_famille_article",
				SurrogateKey: "famille_id",
				NaturalKey:   KeyConfig{Column: "fa_codef", Source: "Code Famille", Type: flat.TypeText},
				Attributes: []AttributeConfig{
					{Column: "fa_central", Source: "famille article libellé"},
					{Column: "fa_intitule", Source: "sous-famille article libellé"},
				},
			},
			{
				Table:        "dim_article",
				SurrogateKey: "article_id",
				NaturalKey:   KeyConfig{Column: "ar_ref", Source: "code article", Type: flat.TypeText},
				Parents: []ParentConfig{
					{Column: "famille_id", Dimension: "dim_famille_article", Source: "Code Famille"},
				},
			},
			{
				Table:        "dim_fournisseur",
				SurrogateKey: "fournisseur_id",
				NaturalKey:   KeyConfig{Column: "ct_numpayeur", Source: "Code fournisseur", Type: flat.TypeText},
				Attributes: []AttributeConfig{
					{Column: "raison_sociale", Source: "Raison sociale"},
					{Column: "contact", Source: "Contact"},
					{Column: "adresse", Source: "Adresse"},
					{Column: "complement", Source: "Complement adresse", Unknown: &empty},
					{Column: "code_postal", Source: "Code postal", Unknown: &empty},
					{Column: "ville", Source: "Ville"},
					{Column: "telephone", Source: "N° telephone", Unknown: &empty},
					{Column: "fax", Source: "N° fax", Unknown: &empty},
				},
			},
			{
				Table:        "dim_date",
				SurrogateKey: "date_id",
				NaturalKey:   KeyConfig{Column: "date_full", Source: "date achat", Type: flat.TypeDate},
				Attributes: []AttributeConfig{
					{Column: "annee", Derive: DeriveYear},
					{Column: "mois", Derive: DeriveMonth},
					{Column: "jour", Derive: DeriveDay},
					{Column: "trimestre", Derive: DeriveQuarter},
				},
				Order: OrderChronological,
			},
			{
				Table:        "dim_mode_expedition",
				SurrogateKey: "mode_id",
				NaturalKey:   KeyConfig{Column: "libelle", Source: "Mode d'expedition", Type: flat.TypeText, Unknown: UnknownText},
				Attributes: []AttributeConfig{
					{Column: "code_expedit", Derive: DeriveCode},
				},
			},
		},
		Fact: FactConfig{
			Table: "fact_achats",
			Columns: []FactColumn{
				{Column: "date_id", Source: "date achat", Dimension: "dim_date"},
				{Column: "fournisseur_id", Source: "Code fournisseur", Dimension: "dim_fournisseur"},
				{Column: "article_id", Source: "code article", Dimension: "dim_article"},
				{Column: "mode_id", Source: "Mode d'expedition", Dimension: "dim_mode_expedition"},
				{Column: "do_ref", Source: "Reference achat", Type: flat.TypeText},
				{Column: "bon_de_commande", Source: "Bon de commande", Type: flat.TypeText},
				{Column: "qte_fact", Source: "Qté fact", Type: flat.TypeDecimal},
				{Column: "total_tva", Source: "Total TVA", Type: flat.TypeDecimal},
				{Column: "total_ht", Source: "Total HT", Type: flat.TypeDecimal},
				{Column: "total_ttc", Source: "Total TTC", Type: flat.TypeDecimal},
				{Column: "net_a_payer", Source: "NET A PAYER", Type: flat.TypeDecimal},
			},
			Mode: ModeReplace,
		},
	}
}
